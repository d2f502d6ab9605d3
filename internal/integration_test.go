// Package internal provides integration tests for the noteguard protection core.
//
// These tests verify the complete protection pipeline:
// 1. Load configuration from disk and build the guard manager
// 2. Enroll a credential and derive the device-bound master key
// 3. Seal payloads and wrap caller secrets under provider keys
// 4. Recover the session after a restart and detect tampered state
package internal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"noteguard/internal/aead"
	"noteguard/internal/config"
	"noteguard/internal/guard"
	"noteguard/internal/integrity"
	"noteguard/internal/logging"
	"noteguard/internal/store"
	"noteguard/internal/vault"
)

const pipelinePassword = "meridian-vault-83-cobalt"

// loadPipelineConfig writes a config file rooted in dir and loads it
// back through the regular configuration path, so the tests exercise
// the same parse/validate/prepare sequence the CLI runs.
func loadPipelineConfig(tb testing.TB, dir string) *config.Config {
	tb.Helper()

	cfgPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
version = %d

[kdf]
tier = "mobile"
time_cost = 1
memory_kib = 8192
threads = 2

[vault]
provider = "software"
keystore_path = %q
seed_path = %q
assume_device_secure = true

[integrity]
enabled = false

[policy]
lockout_base_ms = 100

[storage]
type = "sqlite"
path = %q
max_connections = 2
busy_timeout_ms = 1000

[logging]
level = "error"
format = "text"
output = "stderr"
file_path = %q

[audit]
enabled = true
file_path = %q
`,
		config.Version,
		filepath.Join(dir, "keystore.cbor"),
		filepath.Join(dir, "vault_seed"),
		filepath.Join(dir, "noteguard.db"),
		filepath.Join(dir, "noteguard.log"),
		filepath.Join(dir, "audit.log"))

	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		tb.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		tb.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		tb.Fatalf("Config validation failed: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		tb.Fatalf("Failed to prepare directories: %v", err)
	}
	return cfg
}

// openPipelineManager builds a manager the way cmd/noteguardctl does.
func openPipelineManager(tb testing.TB, cfg *config.Config) *guard.Manager {
	tb.Helper()

	logger, err := logging.New(&logging.Config{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: "stderr",
	})
	if err != nil {
		tb.Fatalf("Failed to create logger: %v", err)
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Audit.FilePath,
		MaxSize:    5,
		MaxAge:     1,
		MaxBackups: 1,
		Component:  "integration-test",
	})
	if err != nil {
		tb.Fatalf("Failed to create audit logger: %v", err)
	}

	m, err := guard.New(context.Background(), cfg, logger, audit)
	if err != nil {
		tb.Fatalf("Failed to build manager: %v", err)
	}
	tb.Cleanup(func() {
		m.Close()
		audit.Close()
	})
	return m
}

// =============================================================================
// INTEGRATION: Full Protection Pipeline
// =============================================================================

// TestFullProtectionPipeline tests the complete flow from a config file
// on disk through enrollment, payload sealing, secret wrapping, restart,
// and recovery of every protected object.
func TestFullProtectionPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	ctx := context.Background()

	// Phase 1: enroll and protect.
	m1 := openPipelineManager(t, cfg)

	if err := m1.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	st := m1.Status()
	if !st.Enrolled || !st.Unlocked {
		t.Fatalf("Expected enrolled and unlocked after setup, got %+v", st)
	}
	t.Logf("Enrolled install %s under provider %s", st.InstallID, st.Provider)

	note := []byte("The launch window opens at 06:40 UTC.")
	blob, err := m1.EncryptPayload(note)
	if err != nil {
		t.Fatalf("Failed to seal payload: %v", err)
	}

	apiToken := []byte("api-token-5f2c9d")
	backupKey := []byte("backup-key-0411")
	if _, err := m1.Wrap(ctx, "api-token", apiToken); err != nil {
		t.Fatalf("Failed to wrap api token: %v", err)
	}
	if _, err := m1.Wrap(ctx, "backup-key", backupKey); err != nil {
		t.Fatalf("Failed to wrap backup key: %v", err)
	}

	chain, err := m1.AttestationChain(ctx, "api-token")
	if err != nil {
		t.Fatalf("Failed to export attestation chain: %v", err)
	}
	if len(chain) == 0 {
		t.Fatal("Attestation chain is empty")
	}
	t.Logf("Attestation chain holds %d certificates", len(chain))

	// The sealed blob must survive its transport encoding.
	decoded, err := aead.Decode(blob.Encode())
	if err != nil {
		t.Fatalf("Failed to decode sealed payload: %v", err)
	}
	if decoded.Version != blob.Version || !bytes.Equal(decoded.Nonce, blob.Nonce) || !bytes.Equal(decoded.Ciphertext, blob.Ciphertext) {
		t.Fatal("Encoded blob did not round-trip")
	}

	if err := m1.Close(); err != nil {
		t.Fatalf("Failed to close manager: %v", err)
	}

	// Phase 2: restart and recover.
	m2 := openPipelineManager(t, cfg)

	st = m2.Status()
	if !st.Enrolled {
		t.Fatal("Enrollment did not survive the restart")
	}
	if st.Unlocked {
		t.Fatal("Manager must start locked")
	}

	if _, err := m2.DecryptPayload(blob); !errors.Is(err, guard.ErrLocked) {
		t.Fatalf("Expected ErrLocked before verification, got %v", err)
	}

	if err := m2.VerifyCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Verification failed after restart: %v", err)
	}

	plaintext, err := m2.DecryptPayload(blob)
	if err != nil {
		t.Fatalf("Failed to open sealed payload: %v", err)
	}
	if !bytes.Equal(plaintext, note) {
		t.Fatal("Recovered payload does not match")
	}

	for alias, want := range map[string][]byte{"api-token": apiToken, "backup-key": backupKey} {
		got, err := m2.Unwrap(ctx, alias, nil)
		if err != nil {
			t.Fatalf("Failed to unwrap %s: %v", alias, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Unwrapped %s does not match", alias)
		}
	}

	// Phase 3: wipe ends it all.
	if err := m2.Wipe(ctx); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if err := m2.VerifyCredential(ctx, []byte(pipelinePassword)); !errors.Is(err, guard.ErrNotEnrolled) {
		t.Fatalf("Expected ErrNotEnrolled after wipe, got %v", err)
	}
	if _, err := m2.Unwrap(ctx, "api-token", nil); !errors.Is(err, guard.ErrLocked) && !errors.Is(err, vault.ErrNoKey) {
		t.Fatalf("Expected wrapped secrets gone after wipe, got %v", err)
	}

	t.Log("Full protection pipeline verified")
}

// =============================================================================
// INTEGRATION: Persistence and Recovery
// =============================================================================

// TestVerdictAndSecretsSurviveRestart tests that the verdict cache and
// wrapped secrets persist across a full process restart.
func TestVerdictAndSecretsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	cfg.Integrity.Enabled = true
	ctx := context.Background()

	m1 := openPipelineManager(t, cfg)
	if err := m1.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	doc := []byte(`{"verdict":"fail","issued_at":"2026-08-25T09:30:00Z","source":"attest-svc"}`)
	if err := m1.PushVerdictDocument(ctx, doc); err != nil {
		t.Fatalf("Failed to push verdict: %v", err)
	}

	secret := []byte("survives-restarts")
	if _, err := m1.Wrap(ctx, "durable", secret); err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	m2 := openPipelineManager(t, cfg)

	flags := m2.ProbeIntegrity(ctx)
	if !flags.Has(integrity.FlagRemoteVerdictFailed) {
		t.Fatalf("Failing verdict did not survive restart, flags: %s", flags)
	}

	if err := m2.VerifyCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Verification failed: %v", err)
	}
	got, err := m2.Unwrap(ctx, "durable", nil)
	if err != nil {
		t.Fatalf("Failed to unwrap after restart: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatal("Wrapped secret does not match after restart")
	}

	t.Log("Verdict cache and wrapped secrets recovered after restart")
}

// =============================================================================
// INTEGRATION: Tamper Detection
// =============================================================================

// TestCredentialRowTamperDetection tests that editing the credential row
// behind the store's back is caught by the keyed row digest.
func TestCredentialRowTamperDetection(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	ctx := context.Background()

	m1 := openPipelineManager(t, cfg)
	if err := m1.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Forge the verifier the way an attacker with file access would.
	db, err := sql.Open("sqlite3", cfg.Storage.Path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if _, err := db.Exec("UPDATE credential SET verifier = 'forged-verifier' WHERE id = 1"); err != nil {
		t.Fatalf("Failed to tamper with credential row: %v", err)
	}
	db.Close()

	m2 := openPipelineManager(t, cfg)

	err = m2.VerifyCredential(ctx, []byte(pipelinePassword))
	if !errors.Is(err, store.ErrCredentialTampered) {
		t.Fatalf("Expected ErrCredentialTampered, got %v", err)
	}
	if errors.Is(err, vault.ErrKeyInvalidated) {
		t.Fatal("Tampering must not be reported as an enrollment change")
	}

	threats := m2.Metrics().ActiveThreats
	found := false
	for _, name := range threats {
		if name == "credential-store-tampered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Tampering did not raise a threat, active: %v", threats)
	}

	t.Logf("Credential tampering detected: %v", err)
}

// TestWrappedSecretTamperDetection tests that a corrupted wrapped secret
// fails authentication instead of unwrapping to garbage.
func TestWrappedSecretTamperDetection(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	ctx := context.Background()

	m1 := openPipelineManager(t, cfg)
	if err := m1.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if _, err := m1.Wrap(ctx, "target", []byte("intact secret")); err != nil {
		t.Fatalf("Failed to wrap: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db, err := sql.Open("sqlite3", cfg.Storage.Path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if _, err := db.Exec("UPDATE wrapped_secrets SET ciphertext = randomblob(length(ciphertext)) WHERE alias = 'target'"); err != nil {
		t.Fatalf("Failed to corrupt wrapped secret: %v", err)
	}
	db.Close()

	m2 := openPipelineManager(t, cfg)
	if err := m2.VerifyCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Verification failed: %v", err)
	}

	_, err = m2.Unwrap(ctx, "target", nil)
	if !errors.Is(err, vault.ErrUnwrapFailed) {
		t.Fatalf("Expected ErrUnwrapFailed for corrupted secret, got %v", err)
	}
	if errors.Is(err, vault.ErrKeyInvalidated) {
		t.Fatal("Corruption must not be reported as an enrollment change")
	}

	t.Log("Corrupted wrapped secret rejected")
}

// =============================================================================
// INTEGRATION: Concurrent Operations
// =============================================================================

// TestConcurrentSecretOperations tests wrap/unwrap and payload sealing
// from many goroutines against one manager.
func TestConcurrentSecretOperations(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	ctx := context.Background()

	m := openPipelineManager(t, cfg)
	if err := m.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	const workers = 8
	const rounds = 5

	errc := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			for i := 0; i < rounds; i++ {
				alias := fmt.Sprintf("slot-%d", id)
				secret := []byte(fmt.Sprintf("worker %d round %d", id, i))

				if _, err := m.Wrap(ctx, alias, secret); err != nil {
					errc <- fmt.Errorf("wrap %s: %w", alias, err)
					return
				}
				got, err := m.Unwrap(ctx, alias, nil)
				if err != nil {
					errc <- fmt.Errorf("unwrap %s: %w", alias, err)
					return
				}
				if !bytes.Equal(got, secret) {
					errc <- fmt.Errorf("unwrap %s: payload mismatch", alias)
					return
				}

				blob, err := m.EncryptPayload(secret)
				if err != nil {
					errc <- fmt.Errorf("seal: %w", err)
					return
				}
				plain, err := m.DecryptPayload(blob)
				if err != nil {
					errc <- fmt.Errorf("open: %w", err)
					return
				}
				if !bytes.Equal(plain, secret) {
					errc <- errors.New("sealed payload mismatch")
					return
				}
			}
			errc <- nil
		}(w)
	}

	for w := 0; w < workers; w++ {
		if err := <-errc; err != nil {
			t.Fatalf("Worker failed: %v", err)
		}
	}

	t.Logf("%d workers completed %d rounds each", workers, rounds)
}

// =============================================================================
// INTEGRATION: Edge Cases
// =============================================================================

// TestPayloadEdgeCases tests sealing of empty, binary, and large payloads.
func TestPayloadEdgeCases(t *testing.T) {
	dir := t.TempDir()
	cfg := loadPipelineConfig(t, dir)
	ctx := context.Background()

	m := openPipelineManager(t, cfg)
	if err := m.SetupCredential(ctx, []byte(pipelinePassword)); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}
	large := make([]byte, 1<<20)
	for i := range large {
		large[i] = byte(i % 251)
	}

	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"binary", binary},
		{"large", large},
	}

	for _, tc := range cases {
		blob, err := m.EncryptPayload(tc.payload)
		if err != nil {
			t.Fatalf("Failed to seal %s payload: %v", tc.name, err)
		}

		// Through the transport encoding and back.
		decoded, err := aead.Decode(blob.Encode())
		if err != nil {
			t.Fatalf("Failed to decode %s payload: %v", tc.name, err)
		}

		plain, err := m.DecryptPayload(decoded)
		if err != nil {
			t.Fatalf("Failed to open %s payload: %v", tc.name, err)
		}
		if !bytes.Equal(plain, tc.payload) {
			t.Fatalf("%s payload does not round-trip", tc.name)
		}
		t.Logf("%s payload (%d bytes) sealed and recovered", tc.name, len(tc.payload))
	}
}

// =============================================================================
// BENCHMARKS
// =============================================================================

func newBenchManager(b *testing.B) *guard.Manager {
	dir := b.TempDir()
	cfg := loadPipelineConfig(b, dir)
	m := openPipelineManager(b, cfg)
	if err := m.SetupCredential(context.Background(), []byte(pipelinePassword)); err != nil {
		b.Fatalf("Setup failed: %v", err)
	}
	return m
}

// BenchmarkSealOpenPayload benchmarks a seal/open round trip of a 4 KiB note.
func BenchmarkSealOpenPayload(b *testing.B) {
	m := newBenchManager(b)
	note := bytes.Repeat([]byte("n"), 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		blob, err := m.EncryptPayload(note)
		if err != nil {
			b.Fatalf("seal: %v", err)
		}
		if _, err := m.DecryptPayload(blob); err != nil {
			b.Fatalf("open: %v", err)
		}
	}
}

// BenchmarkWrapUnwrap benchmarks wrapping a 32-byte secret through the provider.
func BenchmarkWrapUnwrap(b *testing.B) {
	m := newBenchManager(b)
	ctx := context.Background()
	secret := bytes.Repeat([]byte("s"), 32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Wrap(ctx, "bench", secret); err != nil {
			b.Fatalf("wrap: %v", err)
		}
		if _, err := m.Unwrap(ctx, "bench", nil); err != nil {
			b.Fatalf("unwrap: %v", err)
		}
	}
}

// BenchmarkVerifyCredential benchmarks the full verification path,
// including the password hash recomputation.
func BenchmarkVerifyCredential(b *testing.B) {
	m := newBenchManager(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.VerifyCredential(ctx, []byte(pipelinePassword)); err != nil {
			b.Fatalf("verify: %v", err)
		}
	}
}
