// noteguardctl is the control CLI for the noteguard protection layer.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"

	"noteguard/internal/aead"
	"noteguard/internal/config"
	"noteguard/internal/fingerprint"
	"noteguard/internal/guard"
	"noteguard/internal/logging"
	"noteguard/internal/security"
	"noteguard/internal/vault"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	defer logging.RecoverPanic()

	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "setup":
		cmdSetup()
	case "verify":
		cmdVerify()
	case "wipe":
		cmdWipe()
	case "probe":
		cmdProbe()
	case "verdict":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl verdict <pass|fail|document.json>")
			os.Exit(1)
		}
		cmdVerdict(flag.Arg(1))
	case "wrap":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl wrap <alias> <file>")
			os.Exit(1)
		}
		cmdWrap(flag.Arg(1), flag.Arg(2))
	case "unwrap":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl unwrap <alias> [output]")
			os.Exit(1)
		}
		output := ""
		if flag.NArg() >= 3 {
			output = flag.Arg(2)
		}
		cmdUnwrap(flag.Arg(1), output)
	case "attest":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl attest <alias> [output.json]")
			os.Exit(1)
		}
		output := ""
		if flag.NArg() >= 3 {
			output = flag.Arg(2)
		}
		cmdAttest(flag.Arg(1), output)
	case "encrypt":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl encrypt <file> [output]")
			os.Exit(1)
		}
		output := ""
		if flag.NArg() >= 3 {
			output = flag.Arg(2)
		}
		cmdEncrypt(flag.Arg(1), output)
	case "decrypt":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl decrypt <file> [output]")
			os.Exit(1)
		}
		output := ""
		if flag.NArg() >= 3 {
			output = flag.Arg(2)
		}
		cmdDecrypt(flag.Arg(1), output)
	case "fingerprint":
		cmdFingerprint()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `noteguardctl - Control utility for noteguard

Usage: noteguardctl [options] <command> [args]

Commands:
  status                   Show enrollment and security posture
  setup                    Enroll a credential on this device
  verify                   Check the credential and device binding
  wipe                     Destroy all protected state (irreversible)
  probe                    Run the environment integrity probe
  verdict <pass|fail|doc>  Push a remote attestation verdict
  wrap <alias> <file>      Protect a secret under a device-bound key
  unwrap <alias> [out]     Recover a wrapped secret
  attest <alias> [out]     Export the attestation chain for a key
  encrypt <file> [out]     Seal a payload under the session key
  decrypt <file> [out]     Open a sealed payload
  fingerprint              Show the current device fingerprint
  help                     Show this help message

Options:
  -config <path>  Path to config file (default: <data dir>/config.toml)`)
}

func cmdStatus() {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	st := m.Status()

	fmt.Println("=== noteguard Status ===")
	fmt.Println()
	fmt.Printf("Enrolled:     %v\n", st.Enrolled)
	if st.InstallID != "" {
		fmt.Printf("Install ID:   %s\n", st.InstallID)
	}
	fmt.Printf("Key provider: %s\n", st.Provider)
	fmt.Printf("Master key:   %s\n", st.MasterKey)
	fmt.Printf("Pepper key:   %s\n", st.PepperKey)
	fmt.Println()
	fmt.Println("Posture:")
	fmt.Printf("  %-18s %s\n", "Session:", st.Metrics.Session)
	fmt.Printf("  %-18s %s\n", "Binding:", st.Metrics.Binding)
	fmt.Printf("  %-18s %s (%.1f)\n", "Level:", st.Metrics.Level, st.Metrics.Score)
	fmt.Printf("  %-18s %d\n", "Failed attempts:", st.Metrics.FailedAttempts)
	if len(st.Metrics.ActiveThreats) > 0 {
		fmt.Printf("  %-18s %s\n", "Active threats:", strings.Join(st.Metrics.ActiveThreats, ", "))
	}
	fmt.Println()
	fmt.Println("Store:")
	fmt.Printf("  Path: %s\n", cfg.Storage.Path)
	if len(st.StoreFindings) == 0 {
		fmt.Println("  Integrity: ok")
	} else {
		fmt.Println("  Integrity findings:")
		for _, f := range st.StoreFindings {
			fmt.Printf("    - %s\n", f)
		}
	}
}

func cmdSetup() {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	password, err := promptPassword("New password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}
	defer security.Wipe(password)

	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}
	defer security.Wipe(confirm)

	if !bytes.Equal(password, confirm) {
		fmt.Fprintln(os.Stderr, "Passwords do not match.")
		os.Exit(1)
	}

	if err := m.SetupCredential(context.Background(), password); err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		os.Exit(1)
	}

	st := m.Status()
	fmt.Println("✓ Credential enrolled.")
	fmt.Printf("  Install ID:   %s\n", st.InstallID)
	fmt.Printf("  Key provider: %s\n", st.Provider)
}

func cmdVerify() {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	unlockManager(m)
	fmt.Println("✓ Credential verified, device binding intact.")
}

func cmdWipe() {
	cfg := loadConfig()

	fmt.Fprintln(os.Stderr, "This permanently destroys the enrolled credential and every wrapped secret.")
	fmt.Fprint(os.Stderr, "Type 'wipe' to confirm: ")
	line, err := readLine()
	if err != nil || line != "wipe" {
		fmt.Fprintln(os.Stderr, "Aborted.")
		os.Exit(1)
	}

	m := openManager(cfg)
	defer m.Close()

	if err := m.Wipe(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Wipe failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("All protected state destroyed.")
}

func cmdProbe() {
	cfg := loadConfig()
	if !cfg.Integrity.Enabled {
		fmt.Println("Integrity probing is disabled in the configuration.")
		return
	}

	m := openManager(cfg)
	defer m.Close()

	flags := m.ProbeIntegrity(context.Background())
	if flags == 0 {
		fmt.Println("✓ No integrity findings.")
		return
	}

	fmt.Printf("✗ %d finding(s):\n", flags.Count())
	for _, name := range flags.Names() {
		fmt.Printf("  - %s\n", name)
	}
	os.Exit(1)
}

func cmdVerdict(arg string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	ctx := context.Background()

	switch arg {
	case "pass":
		m.PushVerdictResult(ctx, true)
		fmt.Println("Recorded passing verdict.")
	case "fail":
		m.PushVerdictResult(ctx, false)
		fmt.Println("Recorded failing verdict.")
	default:
		doc, err := os.ReadFile(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading verdict document: %v\n", err)
			os.Exit(1)
		}
		if err := m.PushVerdictDocument(ctx, doc); err != nil {
			fmt.Fprintf(os.Stderr, "Verdict rejected: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Verdict document accepted.")
	}
}

func cmdWrap(alias, file string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", file, err)
		os.Exit(1)
	}
	defer security.Wipe(data)

	unlockManager(m)

	wrapped, err := m.Wrap(context.Background(), alias, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Wrap failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Wrapped %d bytes under alias %q (format v%d).\n", len(data), alias, wrapped.Version)
}

func cmdUnwrap(alias, output string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	unlockManager(m)

	data, err := m.Unwrap(context.Background(), alias, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unwrap failed: %v\n", err)
		os.Exit(1)
	}
	defer security.Wipe(data)

	if output == "" || output == "-" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(output, data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("Secret written to: %s\n", output)
}

func cmdAttest(alias, output string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	chain, err := m.AttestationChain(context.Background(), alias)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Attestation export failed: %v\n", err)
		os.Exit(1)
	}

	chainNote := "verified"
	if err := vault.VerifyChain(chain); err != nil {
		chainNote = "UNVERIFIED"
		fmt.Fprintf(os.Stderr, "Warning: attestation chain did not verify: %v\n", err)
	}

	doc := struct {
		Alias string   `json:"alias"`
		Chain []string `json:"chain_der_b64"`
	}{Alias: alias}
	for _, der := range chain {
		doc.Chain = append(doc.Chain, base64.StdEncoding.EncodeToString(der))
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding chain: %v\n", err)
		os.Exit(1)
	}

	if output == "" {
		fmt.Println(string(out))
		return
	}
	if err := os.WriteFile(output, out, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("Attestation chain exported to: %s\n", output)
	fmt.Printf("  Certificates: %d (%s)\n", len(chain), chainNote)
}

func cmdEncrypt(file, output string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	plaintext, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", file, err)
		os.Exit(1)
	}
	defer security.Wipe(plaintext)

	unlockManager(m)

	blob, err := m.EncryptPayload(plaintext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encryption failed: %v\n", err)
		os.Exit(1)
	}

	if output == "" {
		output = file + ".sealed"
	}
	if err := os.WriteFile(output, blob.Encode(), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("✓ Sealed payload written to: %s\n", output)
}

func cmdDecrypt(file, output string) {
	cfg := loadConfig()
	m := openManager(cfg)
	defer m.Close()

	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", file, err)
		os.Exit(1)
	}
	blob, err := aead.Decode(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Malformed sealed payload: %v\n", err)
		os.Exit(1)
	}

	unlockManager(m)

	plaintext, err := m.DecryptPayload(blob)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decryption FAILED: %v\n", err)
		os.Exit(1)
	}
	defer security.Wipe(plaintext)

	if output == "" {
		output = strings.TrimSuffix(file, ".sealed")
		if output == file {
			output = file + ".plain"
		}
	}
	if err := os.WriteFile(output, plaintext, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	fmt.Printf("✓ Payload written to: %s\n", output)
}

func cmdFingerprint() {
	cfg := loadConfig()
	m := openManager(cfg)
	installID := m.Status().InstallID
	m.Close()

	collector := fingerprint.NewCollector(fingerprint.CollectorConfig{
		InstallID:      installID,
		DisabledFields: cfg.Fingerprint.DisabledFields,
	})
	fp, err := collector.Collect()
	if err != nil && !errors.Is(err, fingerprint.ErrPartialCollection) {
		fmt.Fprintf(os.Stderr, "Collection failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Device Fingerprint ===")
	fmt.Println()
	fmt.Printf("Digest: %s\n", fp.DigestHex())
	fmt.Println()
	fmt.Println("Fields:")

	digests := fp.FieldDigests()
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-14s %s…\n", name, digests[name][:16])
	}

	if len(fp.FailedFields) > 0 {
		fmt.Println()
		fmt.Printf("Unavailable: %s\n", strings.Join(fp.FailedFields, ", "))
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing directories: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openManager(cfg *config.Config) *guard.Manager {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if strings.EqualFold(cfg.Logging.Format, "json") {
		format = logging.FormatJSON
	}

	logger, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "noteguardctl",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}

	auditPath := cfg.Audit.FilePath
	if !cfg.Audit.Enabled {
		auditPath = os.DevNull
	}
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   auditPath,
		MaxSize:    int64(cfg.Audit.MaxSizeMB),
		MaxAge:     cfg.Audit.MaxAgeDays,
		MaxBackups: cfg.Audit.MaxBackups,
		Component:  "noteguardctl",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audit log: %v\n", err)
		os.Exit(1)
	}

	m, err := guard.New(context.Background(), cfg, logger, audit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing noteguard: %v\n", err)
		os.Exit(1)
	}
	return m
}

// unlockManager prompts for the password and authenticates the session,
// exiting on failure.
func unlockManager(m *guard.Manager) {
	password, err := promptPassword("Password: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}
	defer security.Wipe(password)

	if err := m.VerifyCredential(context.Background(), password); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Verification FAILED: %v\n", err)
		os.Exit(1)
	}
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return pw, nil
	}

	// Piped input for scripting and tests.
	line, err := readLine()
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(os.Stderr)
	return []byte(line), nil
}

var stdinReader *bufio.Reader

// readLine reads one line from stdin through a shared reader so that
// consecutive prompts do not lose buffered input.
func readLine() (string, error) {
	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
