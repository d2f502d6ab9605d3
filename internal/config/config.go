// Package config handles configuration loading and validation for noteguard.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
)

// Version is the current configuration schema version.
// Older files are migrated forward on load.
const Version = 3

// Config is the root configuration for noteguard.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	KDF         KDFConfig         `toml:"kdf" json:"kdf" yaml:"kdf"`
	Vault       VaultConfig       `toml:"vault" json:"vault" yaml:"vault"`
	Fingerprint FingerprintConfig `toml:"fingerprint" json:"fingerprint" yaml:"fingerprint"`
	Integrity   IntegrityConfig   `toml:"integrity" json:"integrity" yaml:"integrity"`
	Policy      PolicyConfig      `toml:"policy" json:"policy" yaml:"policy"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Audit       AuditConfig       `toml:"audit" json:"audit" yaml:"audit"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// KDFConfig controls password key derivation.
//
// Tier selects the Argon2id cost profile. TimeCost, MemoryKiB and Threads
// override individual profile parameters when non-zero; zero means "use
// the tier profile value".
type KDFConfig struct {
	// Tier is "auto", "mobile" or "desktop".
	Tier string `toml:"tier" json:"tier" yaml:"tier"`

	TimeCost  uint32 `toml:"time_cost" json:"time_cost" yaml:"time_cost"`
	MemoryKiB uint32 `toml:"memory_kib" json:"memory_kib" yaml:"memory_kib"`
	Threads   uint8  `toml:"threads" json:"threads" yaml:"threads"`

	// PBKDF2Iterations applies only to legacy credential verification.
	PBKDF2Iterations int `toml:"pbkdf2_iterations" json:"pbkdf2_iterations" yaml:"pbkdf2_iterations"`
}

// VaultConfig controls hardware key provider selection.
type VaultConfig struct {
	// Provider is "auto", "tpm", "keychain" or "software".
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	KeystorePath string `toml:"keystore_path" json:"keystore_path" yaml:"keystore_path"`
	SeedPath     string `toml:"seed_path" json:"seed_path" yaml:"seed_path"`
	TPMPath      string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`
	TPMPCRs      []int  `toml:"tpm_pcrs" json:"tpm_pcrs" yaml:"tpm_pcrs"`

	// RequireAuth gates key generation on a secured lock screen.
	RequireAuth     bool `toml:"require_auth" json:"require_auth" yaml:"require_auth"`
	AuthValiditySec int  `toml:"auth_validity_sec" json:"auth_validity_sec" yaml:"auth_validity_sec"`

	// AssumeDeviceSecure skips the lock screen probe. For headless hosts
	// where no login session exists to inspect.
	AssumeDeviceSecure bool `toml:"assume_device_secure" json:"assume_device_secure" yaml:"assume_device_secure"`
}

// FingerprintConfig controls device fingerprint collection.
type FingerprintConfig struct {
	// StrictFields must match exactly on every verification, even under
	// the tolerant mismatch policy.
	StrictFields []string `toml:"strict_fields" json:"strict_fields" yaml:"strict_fields"`

	// DisabledFields are excluded from collection entirely.
	DisabledFields []string `toml:"disabled_fields" json:"disabled_fields" yaml:"disabled_fields"`
}

// IntegrityConfig controls environment integrity probing.
type IntegrityConfig struct {
	Enabled         bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	VerdictTTLHours int  `toml:"verdict_ttl_hours" json:"verdict_ttl_hours" yaml:"verdict_ttl_hours"`

	// SuPaths and HookLibraries extend the built-in probe lists.
	SuPaths       []string `toml:"su_paths" json:"su_paths" yaml:"su_paths"`
	HookLibraries []string `toml:"hook_libraries" json:"hook_libraries" yaml:"hook_libraries"`
}

// PolicyConfig controls how security posture reacts to findings.
type PolicyConfig struct {
	// MismatchMode is "tolerant" or "strict". Tolerant allows up to
	// MaxDriftFields fingerprint fields to drift before the binding is
	// marked compromised.
	MismatchMode   string `toml:"mismatch_mode" json:"mismatch_mode" yaml:"mismatch_mode"`
	MaxDriftFields int    `toml:"max_drift_fields" json:"max_drift_fields" yaml:"max_drift_fields"`

	MaxFailedAttempts  int  `toml:"max_failed_attempts" json:"max_failed_attempts" yaml:"max_failed_attempts"`
	EmergencyThreshold int  `toml:"emergency_threshold" json:"emergency_threshold" yaml:"emergency_threshold"`
	WipeOnEmergency    bool `toml:"wipe_on_emergency" json:"wipe_on_emergency" yaml:"wipe_on_emergency"`

	LockoutBaseMs int `toml:"lockout_base_ms" json:"lockout_base_ms" yaml:"lockout_base_ms"`
	LockoutMaxMs  int `toml:"lockout_max_ms" json:"lockout_max_ms" yaml:"lockout_max_ms"`
}

// StorageConfig controls persisted state.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`
	Path string `toml:"path" json:"path" yaml:"path"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	BusyTimeoutMs  int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig controls operational logging.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig controls the append-only audit trail.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// DefaultConfig returns a configuration with defaults for the current
// platform.
func DefaultConfig() *Config {
	dataDir := NoteguardDir()
	logDir := PlatformLogDir()

	return &Config{
		Version: Version,

		KDF: KDFConfig{
			Tier:             "auto",
			PBKDF2Iterations: 600000,
		},

		Vault: VaultConfig{
			Provider:        "auto",
			KeystorePath:    filepath.Join(dataDir, "keystore.cbor"),
			SeedPath:        filepath.Join(dataDir, "vault_seed"),
			TPMPath:         defaultTPMPath(),
			TPMPCRs:         []int{0, 7},
			RequireAuth:     true,
			AuthValiditySec: 30,
		},

		Fingerprint: FingerprintConfig{
			StrictFields: []string{"platform", "arch", "machine_id", "install_id"},
		},

		Integrity: IntegrityConfig{
			Enabled:         true,
			VerdictTTLHours: 24,
		},

		Policy: PolicyConfig{
			MismatchMode:       "tolerant",
			MaxDriftFields:     2,
			MaxFailedAttempts:  5,
			EmergencyThreshold: 10,
			WipeOnEmergency:    false,
			LockoutBaseMs:      1000,
			LockoutMaxMs:       60000,
		},

		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dataDir, "noteguard.db"),
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
		},

		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(logDir, "noteguard.log"),
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},

		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(logDir, "audit.log"),
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 90,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(NoteguardDir(), "config.toml")
}

// Load reads the configuration from path, falling back to defaults if the
// file does not exist. Environment overrides are applied after parsing.
// Validation and migration are the caller's responsibility; Loader.Load
// performs both.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories referenced by the
// configuration with owner-only permissions.
func (c *Config) EnsureDirectories() error {
	paths := []string{
		c.Storage.Path,
		c.Vault.KeystorePath,
		c.Vault.SeedPath,
		c.Logging.FilePath,
		c.Audit.FilePath,
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// NoteguardDir returns the noteguard data directory.
// NOTEGUARD_DATA_DIR overrides the platform default.
func NoteguardDir() string {
	if dir := os.Getenv("NOTEGUARD_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies NOTEGUARD_* environment variables on top of
// the loaded configuration. Used for containerized and test deployments.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("NOTEGUARD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NOTEGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NOTEGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NOTEGUARD_KDF_TIER"); v != "" {
		c.KDF.Tier = v
	}
	if v := os.Getenv("NOTEGUARD_PBKDF2_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KDF.PBKDF2Iterations = n
		}
	}
	if v := os.Getenv("NOTEGUARD_VAULT_PROVIDER"); v != "" {
		c.Vault.Provider = v
	}
	if v := os.Getenv("NOTEGUARD_TPM_PATH"); v != "" {
		c.Vault.TPMPath = v
	}
	if v := os.Getenv("NOTEGUARD_KEYSTORE_PATH"); v != "" {
		c.Vault.KeystorePath = v
	}
	if v := os.Getenv("NOTEGUARD_SEED_PATH"); v != "" {
		c.Vault.SeedPath = v
	}
	if v := os.Getenv("NOTEGUARD_ASSUME_DEVICE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Vault.AssumeDeviceSecure = b
		}
	}
	if v := os.Getenv("NOTEGUARD_MISMATCH_MODE"); v != "" {
		c.Policy.MismatchMode = v
	}
	if v := os.Getenv("NOTEGUARD_AUDIT_PATH"); v != "" {
		c.Audit.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		KDF:         c.KDF,
		Vault:       c.Vault,
		Fingerprint: c.Fingerprint,
		Integrity:   c.Integrity,
		Policy:      c.Policy,
		Storage:     c.Storage,
		Logging:     c.Logging,
		Audit:       c.Audit,
	}

	// Slices are shared after the struct copy; detach them.
	clone.Vault.TPMPCRs = append([]int(nil), c.Vault.TPMPCRs...)
	clone.Fingerprint.StrictFields = append([]string(nil), c.Fingerprint.StrictFields...)
	clone.Fingerprint.DisabledFields = append([]string(nil), c.Fingerprint.DisabledFields...)
	clone.Integrity.SuPaths = append([]string(nil), c.Integrity.SuPaths...)
	clone.Integrity.HookLibraries = append([]string(nil), c.Integrity.HookLibraries...)

	return clone
}

// defaultTPMPath returns the preferred TPM device path for the platform.
func defaultTPMPath() string {
	if runtime.GOOS == "windows" {
		// Windows uses TBS, not a device file.
		return ""
	}
	// Prefer the kernel resource manager when present.
	if _, err := os.Stat("/dev/tpmrm0"); err == nil {
		return "/dev/tpmrm0"
	}
	return "/dev/tpm0"
}
