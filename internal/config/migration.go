// Package config handles configuration loading and validation for noteguard.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	case 2:
		changes, warnings = migrateV2ToV3(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 was the original flat config; V2 introduced the [vault] and [policy]
// sections.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	dir := NoteguardDir()

	if cfg.Vault.Provider == "" {
		cfg.Vault.Provider = "auto"
		changes = append(changes, "set default vault.provider")
	}

	if cfg.Vault.KeystorePath == "" {
		cfg.Vault.KeystorePath = filepath.Join(dir, "keystore.cbor")
		changes = append(changes, "set default vault.keystore_path")
	}

	if cfg.Vault.SeedPath == "" {
		cfg.Vault.SeedPath = filepath.Join(dir, "vault_seed")
		changes = append(changes, "set default vault.seed_path")
	}

	if !cfg.Vault.RequireAuth {
		cfg.Vault.RequireAuth = true
		cfg.Vault.AuthValiditySec = 30
		changes = append(changes, "enabled lock screen requirement for key generation")
	}

	if cfg.Policy.MismatchMode == "" {
		cfg.Policy.MismatchMode = "tolerant"
		cfg.Policy.MaxDriftFields = 2
		changes = append(changes, "set fingerprint mismatch mode to tolerant")
	}

	if cfg.Policy.MaxFailedAttempts == 0 {
		cfg.Policy.MaxFailedAttempts = 5
		cfg.Policy.EmergencyThreshold = 10
		changes = append(changes, "added failed attempt thresholds")
	}

	if cfg.Policy.LockoutBaseMs == 0 {
		cfg.Policy.LockoutBaseMs = 1000
		cfg.Policy.LockoutMaxMs = 60000
		changes = append(changes, "added lockout backoff settings")
	}

	return changes, warnings
}

// migrateV2ToV3 migrates from version 2 to version 3.
// V3 added [integrity] probing and the [audit] trail.
func migrateV2ToV3(cfg *Config) (changes []string, warnings []string) {
	logDir := PlatformLogDir()

	if !cfg.Integrity.Enabled {
		cfg.Integrity.Enabled = true
		cfg.Integrity.VerdictTTLHours = 24
		changes = append(changes, "enabled integrity probing")
	}

	if !cfg.Audit.Enabled {
		cfg.Audit.Enabled = true
		cfg.Audit.FilePath = filepath.Join(logDir, "audit.log")
		cfg.Audit.MaxSizeMB = 50
		cfg.Audit.MaxBackups = 10
		cfg.Audit.MaxAgeDays = 90
		changes = append(changes, "enabled audit trail")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	// Read original
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	// Create backup with timestamp
	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a legacy (v1) configuration map to the new
// format. This handles configurations that were stored as flat JSON maps
// rather than proper structs.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	// Extract version
	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	// Extract legacy flat fields
	if dbPath, ok := data["database_path"].(string); ok {
		cfg.Storage.Path = dbPath
	}

	if logPath, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = logPath
	}

	if tier, ok := data["kdf_tier"].(string); ok {
		cfg.KDF.Tier = tier
	}

	if iters, ok := data["pbkdf2_iterations"].(float64); ok {
		cfg.KDF.PBKDF2Iterations = int(iters)
	}

	if provider, ok := data["provider"].(string); ok {
		cfg.Vault.Provider = provider
	}

	if ksPath, ok := data["keystore_path"].(string); ok {
		cfg.Vault.KeystorePath = ksPath
	}

	if attempts, ok := data["max_failed_attempts"].(float64); ok {
		cfg.Policy.MaxFailedAttempts = int(attempts)
	}

	// Extract nested sections from newer configs
	if vault, ok := data["vault"].(map[string]interface{}); ok {
		if p, ok := vault["provider"].(string); ok {
			cfg.Vault.Provider = p
		}
		if ks, ok := vault["keystore_path"].(string); ok {
			cfg.Vault.KeystorePath = ks
		}
		if ra, ok := vault["require_auth"].(bool); ok {
			cfg.Vault.RequireAuth = ra
		}
	}

	if policy, ok := data["policy"].(map[string]interface{}); ok {
		if m, ok := policy["mismatch_mode"].(string); ok {
			cfg.Policy.MismatchMode = m
		}
		if d, ok := policy["max_drift_fields"].(float64); ok {
			cfg.Policy.MaxDriftFields = int(d)
		}
		if w, ok := policy["wipe_on_emergency"].(bool); ok {
			cfg.Policy.WipeOnEmergency = w
		}
	}

	if kdf, ok := data["kdf"].(map[string]interface{}); ok {
		if t, ok := kdf["tier"].(string); ok {
			cfg.KDF.Tier = t
		}
		if tc, ok := kdf["time_cost"].(float64); ok {
			cfg.KDF.TimeCost = uint32(tc)
		}
		if mem, ok := kdf["memory_kib"].(float64); ok {
			cfg.KDF.MemoryKiB = uint32(mem)
		}
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		data, err = encodeToTOML(cfg)
	case ".yaml", ".yml":
		data, err = encodeToYAML(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format.
func encodeToTOML(cfg *Config) ([]byte, error) {
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# noteguard configuration
# Version %d

version = %d

[kdf]
tier = "%s"
time_cost = %d
memory_kib = %d
threads = %d
pbkdf2_iterations = %d

[vault]
provider = "%s"
keystore_path = "%s"
seed_path = "%s"
tpm_path = "%s"
tpm_pcrs = %s
require_auth = %t
auth_validity_sec = %d

[fingerprint]
strict_fields = %s
disabled_fields = %s

[integrity]
enabled = %t
verdict_ttl_hours = %d
su_paths = %s
hook_libraries = %s

[policy]
mismatch_mode = "%s"
max_drift_fields = %d
max_failed_attempts = %d
emergency_threshold = %d
wipe_on_emergency = %t
lockout_base_ms = %d
lockout_max_ms = %d

[storage]
type = "%s"
path = "%s"
max_connections = %d
busy_timeout_ms = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[audit]
enabled = %t
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
`,
		Version,
		cfg.Version,
		cfg.KDF.Tier,
		cfg.KDF.TimeCost,
		cfg.KDF.MemoryKiB,
		cfg.KDF.Threads,
		cfg.KDF.PBKDF2Iterations,
		cfg.Vault.Provider,
		cfg.Vault.KeystorePath,
		cfg.Vault.SeedPath,
		cfg.Vault.TPMPath,
		toTOMLIntArray(cfg.Vault.TPMPCRs),
		cfg.Vault.RequireAuth,
		cfg.Vault.AuthValiditySec,
		toTOMLArray(cfg.Fingerprint.StrictFields),
		toTOMLArray(cfg.Fingerprint.DisabledFields),
		cfg.Integrity.Enabled,
		cfg.Integrity.VerdictTTLHours,
		toTOMLArray(cfg.Integrity.SuPaths),
		toTOMLArray(cfg.Integrity.HookLibraries),
		cfg.Policy.MismatchMode,
		cfg.Policy.MaxDriftFields,
		cfg.Policy.MaxFailedAttempts,
		cfg.Policy.EmergencyThreshold,
		cfg.Policy.WipeOnEmergency,
		cfg.Policy.LockoutBaseMs,
		cfg.Policy.LockoutMaxMs,
		cfg.Storage.Type,
		cfg.Storage.Path,
		cfg.Storage.MaxConnections,
		cfg.Storage.BusyTimeoutMs,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.Audit.Enabled,
		cfg.Audit.FilePath,
		cfg.Audit.MaxSizeMB,
		cfg.Audit.MaxBackups,
		cfg.Audit.MaxAgeDays,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf(`"%s"`, item)
	}
	result += "]"
	return result
}

func toTOMLIntArray(items []int) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%d", item)
	}
	result += "]"
	return result
}

// encodeToYAML encodes the config to YAML format.
func encodeToYAML(cfg *Config) ([]byte, error) {
	// YAML is a superset of JSON, so JSON output parses fine
	return json.MarshalIndent(cfg, "", "  ")
}

// GetMigrationHistory returns the migration history if stored in the config directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(NoteguardDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(NoteguardDir(), "migration_history.json")

	// Load existing history
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if error
	}

	// Append new result
	history = append(history, *result)

	// Save
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
