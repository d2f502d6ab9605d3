// Package config handles configuration loading and validation for noteguard.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// knownFingerprintFields are the collectible fields of the fingerprint
// schema. strict_fields and disabled_fields must name entries from this set.
var knownFingerprintFields = map[string]bool{
	"platform":     true,
	"os_version":   true,
	"arch":         true,
	"cpu_cores":    true,
	"total_memory": true,
	"machine_id":   true,
	"hostname":     true,
	"locale":       true,
	"timezone":     true,
	"username":     true,
	"install_id":   true,
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if kdfErrs := validateKDF(&c.KDF); len(kdfErrs) > 0 {
		errs = append(errs, kdfErrs...)
	}

	if vaultErrs := validateVault(&c.Vault); len(vaultErrs) > 0 {
		errs = append(errs, vaultErrs...)
	}

	if fpErrs := validateFingerprint(&c.Fingerprint); len(fpErrs) > 0 {
		errs = append(errs, fpErrs...)
	}

	if integrityErrs := validateIntegrity(&c.Integrity); len(integrityErrs) > 0 {
		errs = append(errs, integrityErrs...)
	}

	if policyErrs := validatePolicy(&c.Policy); len(policyErrs) > 0 {
		errs = append(errs, policyErrs...)
	}

	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	if auditErrs := validateAudit(&c.Audit); len(auditErrs) > 0 {
		errs = append(errs, auditErrs...)
	}

	// Warning-level findings alone do not fail validation.
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateKDF(k *KDFConfig) ValidationErrors {
	var errs ValidationErrors

	switch k.Tier {
	case "auto", "mobile", "desktop":
		// Valid tiers
	default:
		errs = append(errs, ValidationError{
			Field:   "kdf.tier",
			Message: fmt.Sprintf("invalid tier: %s (valid: auto, mobile, desktop)", k.Tier),
		})
	}

	// Overrides are optional; zero means the tier profile applies.
	if k.MemoryKiB != 0 {
		if k.MemoryKiB < 8*1024 {
			errs = append(errs, ValidationError{
				Field:   "kdf.memory_kib",
				Message: "memory must be at least 8192 KiB (8 MiB)",
			})
		}
		if k.MemoryKiB > 4*1024*1024 {
			errs = append(errs, ValidationError{
				Field:   "kdf.memory_kib",
				Message: "memory cannot exceed 4194304 KiB (4 GiB)",
			})
		}
	}

	if k.TimeCost > 64 {
		errs = append(errs, ValidationError{
			Field:   "kdf.time_cost",
			Message: "time cost cannot exceed 64 passes",
		})
	}

	if k.PBKDF2Iterations != 0 && k.PBKDF2Iterations < 500000 {
		errs = append(errs, ValidationError{
			Field:   "kdf.pbkdf2_iterations",
			Message: "iteration count must be at least 500000",
		})
	}

	return errs
}

func validateVault(v *VaultConfig) ValidationErrors {
	var errs ValidationErrors

	switch v.Provider {
	case "auto", "tpm", "keychain", "software":
		// Valid providers
	default:
		errs = append(errs, ValidationError{
			Field:   "vault.provider",
			Message: fmt.Sprintf("invalid provider: %s (valid: auto, tpm, keychain, software)", v.Provider),
		})
	}

	if v.Provider == "software" && v.KeystorePath == "" {
		errs = append(errs, ValidationError{
			Field:   "vault.keystore_path",
			Message: "keystore path is required for the software provider",
		})
	}

	// Validate TPM PCRs
	for i, pcr := range v.TPMPCRs {
		if pcr < 0 || pcr > 23 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("vault.tpm_pcrs[%d]", i),
				Message: fmt.Sprintf("PCR index must be 0-23, got %d", pcr),
			})
		}
	}

	// Missing device file is a warning; provider selection falls back.
	if v.Provider == "tpm" && v.TPMPath != "" {
		if _, err := os.Stat(v.TPMPath); err != nil && os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "vault.tpm_path",
				Message: fmt.Sprintf("device not present: %s", v.TPMPath),
			})
		}
	}

	if v.AuthValiditySec < 0 {
		errs = append(errs, ValidationError{
			Field:   "vault.auth_validity_sec",
			Message: "auth validity cannot be negative",
		})
	}
	if v.AuthValiditySec > 86400 {
		errs = append(errs, ValidationError{
			Field:   "vault.auth_validity_sec",
			Message: "auth validity cannot exceed 86400 seconds (1 day)",
		})
	}

	return errs
}

func validateFingerprint(f *FingerprintConfig) ValidationErrors {
	var errs ValidationErrors

	disabled := make(map[string]bool, len(f.DisabledFields))

	for i, field := range f.DisabledFields {
		if !knownFingerprintFields[field] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fingerprint.disabled_fields[%d]", i),
				Message: fmt.Sprintf("unknown field: %s", field),
			})
			continue
		}
		disabled[field] = true
	}

	for i, field := range f.StrictFields {
		if !knownFingerprintFields[field] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fingerprint.strict_fields[%d]", i),
				Message: fmt.Sprintf("unknown field: %s", field),
			})
			continue
		}
		// A field cannot be both required-exact and never collected.
		if disabled[field] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fingerprint.strict_fields[%d]", i),
				Message: fmt.Sprintf("field is also disabled: %s", field),
			})
		}
	}

	return errs
}

func validateIntegrity(i *IntegrityConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs // Skip validation if probing is disabled
	}

	if i.VerdictTTLHours < 1 {
		errs = append(errs, ValidationError{
			Field:   "integrity.verdict_ttl_hours",
			Message: "verdict TTL must be at least 1 hour",
		})
	}
	if i.VerdictTTLHours > 720 {
		errs = append(errs, ValidationError{
			Field:   "integrity.verdict_ttl_hours",
			Message: "verdict TTL cannot exceed 720 hours (30 days)",
		})
	}

	for idx, p := range i.SuPaths {
		if !filepath.IsAbs(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("integrity.su_paths[%d]", idx),
				Message: fmt.Sprintf("path must be absolute: %s", p),
			})
		}
	}

	return errs
}

func validatePolicy(p *PolicyConfig) ValidationErrors {
	var errs ValidationErrors

	switch p.MismatchMode {
	case "tolerant", "strict":
		// Valid modes
	default:
		errs = append(errs, ValidationError{
			Field:   "policy.mismatch_mode",
			Message: fmt.Sprintf("invalid mismatch mode: %s (valid: tolerant, strict)", p.MismatchMode),
		})
	}

	if p.MaxDriftFields < 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.max_drift_fields",
			Message: "max drift fields cannot be negative",
		})
	}
	if p.MaxDriftFields > len(knownFingerprintFields) {
		errs = append(errs, ValidationError{
			Field:   "policy.max_drift_fields",
			Message: fmt.Sprintf("max drift fields cannot exceed %d", len(knownFingerprintFields)),
		})
	}

	if p.MaxFailedAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "policy.max_failed_attempts",
			Message: "max failed attempts must be at least 1",
		})
	}

	if p.EmergencyThreshold < p.MaxFailedAttempts {
		errs = append(errs, ValidationError{
			Field:   "policy.emergency_threshold",
			Message: "emergency threshold must be >= max failed attempts",
		})
	}

	if p.LockoutBaseMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "policy.lockout_base_ms",
			Message: "lockout base delay must be at least 100ms",
		})
	}
	if p.LockoutMaxMs < p.LockoutBaseMs {
		errs = append(errs, ValidationError{
			Field:   "policy.lockout_max_ms",
			Message: "lockout max delay must be >= lockout base delay",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "memory":
		// Valid types
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	// SQLite-specific validation
	if s.Type == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}

		// Check parent directory exists or can be created
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if s.MaxConnections > 100 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections cannot exceed 100",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		// Valid outputs
		if l.Output == "file" && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		// Assume it's a file path
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "file path is required when audit is enabled",
		})
	}

	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if a.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if a.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"vault.tpm_path", // Provider selection falls back when absent
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
