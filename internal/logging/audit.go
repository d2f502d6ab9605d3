package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventCredentialSetup  AuditEventType = "credential_setup"
	AuditEventCredentialVerify AuditEventType = "credential_verify"
	AuditEventLockout          AuditEventType = "lockout"
	AuditEventKeyGenerated     AuditEventType = "key_generated"
	AuditEventKeyAccess        AuditEventType = "key_access"
	AuditEventKeyInvalidated   AuditEventType = "key_invalidated"
	AuditEventKeyDeleted       AuditEventType = "key_deleted"
	AuditEventAttestation      AuditEventType = "attestation_export"
	AuditEventIntegrityProbe   AuditEventType = "integrity_probe"
	AuditEventVerdictPush      AuditEventType = "verdict_push"
	AuditEventPostureChange    AuditEventType = "posture_change"
	AuditEventSessionLock      AuditEventType = "session_lock"
	AuditEventEmergency        AuditEventType = "emergency"
	AuditEventWipe             AuditEventType = "wipe"
	AuditEventConfigChange     AuditEventType = "config_change"
	AuditEventError            AuditEventType = "error"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	Component   string                 `json:"component"`
	InstallID   string                 `json:"install_id,omitempty"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource,omitempty"`
	Result      string                 `json:"result"` // "success", "failure", "denied"
	Details     map[string]interface{} `json:"details,omitempty"`
	SourceFile  string                 `json:"source_file,omitempty"`
	SourceLine  int                    `json:"source_line,omitempty"`
	Error       string                 `json:"error,omitempty"`
	OperationID string                 `json:"op_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// InstallID identifies this enrollment in audit events.
	InstallID string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "noteguard",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "noteguard", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "noteguard", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "noteguard", "audit.log")
	}
}

// AuditLogger handles security audit logging. Events are written as one
// JSON object per line through the same rotation machinery as the main
// log.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: LevelInfo})

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  slog.New(handler),
	}, nil
}

// SetInstallID sets the enrollment identifier stamped on audit events.
func (a *AuditLogger) SetInstallID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.InstallID = id
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.InstallID == "" {
		event.InstallID = a.config.InstallID
	}
	if event.OperationID == "" {
		event.OperationID = OperationIDFromContext(ctx)
	}

	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if a.rotator == nil {
		a.logger.InfoContext(ctx, "audit", slog.String("event", string(data)))
		return nil
	}
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogCredentialSetup logs enrollment of a new credential.
func (a *AuditLogger) LogCredentialSetup(ctx context.Context, installID string, details map[string]interface{}) error {
	a.SetInstallID(installID)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCredentialSetup,
		Action:    "credential_enrolled",
		Result:    "success",
		InstallID: installID,
		Details:   details,
	})
}

// LogCredentialVerify logs a credential verification attempt.
func (a *AuditLogger) LogCredentialVerify(ctx context.Context, success bool, details map[string]interface{}) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCredentialVerify,
		Action:    "credential_verified",
		Result:    result,
		Details:   details,
	})
}

// LogLockout logs a verification lockout.
func (a *AuditLogger) LogLockout(ctx context.Context, failures int, retryAfter time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventLockout,
		Action:    "verification_locked",
		Result:    "denied",
		Details: map[string]interface{}{
			"failures":    failures,
			"retry_after": retryAfter.String(),
		},
	})
}

// LogKeyGenerated logs a key generation event.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, keyType, alias string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Resource:  alias,
		Result:    "success",
		Details: map[string]interface{}{
			"key_type": keyType,
		},
	})
}

// LogKeyAccess logs a wrap or unwrap under a key alias.
func (a *AuditLogger) LogKeyAccess(ctx context.Context, alias, operation string, success bool) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyAccess,
		Action:    operation,
		Resource:  alias,
		Result:    result,
	})
}

// LogKeyInvalidated logs loss of a hardware-backed key.
func (a *AuditLogger) LogKeyInvalidated(ctx context.Context, alias, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyInvalidated,
		Action:    "key_invalidated",
		Resource:  alias,
		Result:    "failure",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogIntegrityProbe logs the outcome of an integrity probe.
func (a *AuditLogger) LogIntegrityProbe(ctx context.Context, mask uint32, findings []string) error {
	result := "success"
	if mask != 0 {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventIntegrityProbe,
		Action:    "probe_completed",
		Result:    result,
		Details: map[string]interface{}{
			"mask":     mask,
			"findings": findings,
		},
	})
}

// LogVerdictPush logs acceptance or rejection of a remote verdict.
func (a *AuditLogger) LogVerdictPush(ctx context.Context, ok, accepted bool) error {
	result := "success"
	if !accepted {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerdictPush,
		Action:    "verdict_pushed",
		Result:    result,
		Details: map[string]interface{}{
			"verdict_ok": ok,
		},
	})
}

// LogPostureChange logs a security posture transition.
func (a *AuditLogger) LogPostureChange(ctx context.Context, from, to string, score float64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPostureChange,
		Action:    "posture_changed",
		Result:    "success",
		Details: map[string]interface{}{
			"from":  from,
			"to":    to,
			"score": score,
		},
	})
}

// LogSessionLock logs that in-memory key material was cleared.
func (a *AuditLogger) LogSessionLock(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionLock,
		Action:    "session_locked",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogEmergency logs activation of the emergency protocol.
func (a *AuditLogger) LogEmergency(ctx context.Context, reason string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["reason"] = reason
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventEmergency,
		Action:    "emergency_protocol",
		Result:    "success",
		Details:   details,
	})
}

// LogWipe logs destruction of all protected state.
func (a *AuditLogger) LogWipe(ctx context.Context, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventWipe,
		Action:    "state_wiped",
		Result:    "success",
		Details:   details,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
