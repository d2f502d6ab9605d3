// Package config handles configuration loading and validation for noteguard.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads and parses the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Check for migrations
	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil {
			// Save migration history
			_ = SaveMigrationHistory(result)
		}
	}

	l.config = cfg
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory containing the config file
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

// watchLoop handles file system events.
func (l *Loader) watchLoop() {
	// Debounce timer to avoid multiple reloads for rapid changes
	var debounceTimer *time.Timer
	debounceDelay := 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			// Check if this event is for our config file
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}

			// Only reload on write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				l.reload()
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

// reload attempts to reload the configuration. The running configuration
// is only replaced once the new file passes validation.
func (l *Loader) reload() {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	// Apply environment overrides
	newCfg.ApplyEnvOverrides()

	// Validate before applying
	if err := newCfg.Validate(); err != nil {
		select {
		case l.errChan <- fmt.Errorf("%w: %v", ErrInvalidConfig, err):
		default:
		}
		return
	}

	// Update the config
	l.mu.Lock()
	l.config = newCfg
	l.mu.Unlock()

	// Notify listeners
	for _, cb := range l.onChange {
		cb(newCfg)
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	// Parse based on extension
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try to auto-detect format
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	// Try TOML first (most common)
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}

	// Try JSON
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}

	// Try YAML
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}

	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv creates a configuration primarily from environment variables.
// This is useful for containerized deployments.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Create default config
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	// Load existing config
	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}

// Merge merges two configurations, with src overriding dst for non-zero values.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	// Version
	if src.Version > 0 {
		result.Version = src.Version
	}

	// KDF
	if src.KDF.Tier != "" {
		result.KDF.Tier = src.KDF.Tier
	}
	if src.KDF.TimeCost > 0 {
		result.KDF.TimeCost = src.KDF.TimeCost
	}
	if src.KDF.MemoryKiB > 0 {
		result.KDF.MemoryKiB = src.KDF.MemoryKiB
	}
	if src.KDF.Threads > 0 {
		result.KDF.Threads = src.KDF.Threads
	}
	if src.KDF.PBKDF2Iterations > 0 {
		result.KDF.PBKDF2Iterations = src.KDF.PBKDF2Iterations
	}

	// Vault
	if src.Vault.Provider != "" {
		result.Vault.Provider = src.Vault.Provider
	}
	if src.Vault.KeystorePath != "" {
		result.Vault.KeystorePath = src.Vault.KeystorePath
	}
	if src.Vault.SeedPath != "" {
		result.Vault.SeedPath = src.Vault.SeedPath
	}
	if src.Vault.TPMPath != "" {
		result.Vault.TPMPath = src.Vault.TPMPath
	}
	if len(src.Vault.TPMPCRs) > 0 {
		result.Vault.TPMPCRs = src.Vault.TPMPCRs
	}
	if src.Vault.AuthValiditySec > 0 {
		result.Vault.AuthValiditySec = src.Vault.AuthValiditySec
	}
	// Note: booleans are tricky - we can't distinguish "not set" from "false"
	// For explicit false, user should use the full config

	// Fingerprint
	if len(src.Fingerprint.StrictFields) > 0 {
		result.Fingerprint.StrictFields = src.Fingerprint.StrictFields
	}
	if len(src.Fingerprint.DisabledFields) > 0 {
		result.Fingerprint.DisabledFields = src.Fingerprint.DisabledFields
	}

	// Integrity
	if src.Integrity.VerdictTTLHours > 0 {
		result.Integrity.VerdictTTLHours = src.Integrity.VerdictTTLHours
	}
	if len(src.Integrity.SuPaths) > 0 {
		result.Integrity.SuPaths = src.Integrity.SuPaths
	}
	if len(src.Integrity.HookLibraries) > 0 {
		result.Integrity.HookLibraries = src.Integrity.HookLibraries
	}

	// Policy
	if src.Policy.MismatchMode != "" {
		result.Policy.MismatchMode = src.Policy.MismatchMode
	}
	if src.Policy.MaxDriftFields > 0 {
		result.Policy.MaxDriftFields = src.Policy.MaxDriftFields
	}
	if src.Policy.MaxFailedAttempts > 0 {
		result.Policy.MaxFailedAttempts = src.Policy.MaxFailedAttempts
	}
	if src.Policy.EmergencyThreshold > 0 {
		result.Policy.EmergencyThreshold = src.Policy.EmergencyThreshold
	}
	if src.Policy.LockoutBaseMs > 0 {
		result.Policy.LockoutBaseMs = src.Policy.LockoutBaseMs
	}
	if src.Policy.LockoutMaxMs > 0 {
		result.Policy.LockoutMaxMs = src.Policy.LockoutMaxMs
	}

	// Storage
	if src.Storage.Type != "" {
		result.Storage.Type = src.Storage.Type
	}
	if src.Storage.Path != "" {
		result.Storage.Path = src.Storage.Path
	}
	if src.Storage.MaxConnections > 0 {
		result.Storage.MaxConnections = src.Storage.MaxConnections
	}
	if src.Storage.BusyTimeoutMs > 0 {
		result.Storage.BusyTimeoutMs = src.Storage.BusyTimeoutMs
	}

	// Logging
	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}
	if src.Logging.MaxSizeMB > 0 {
		result.Logging.MaxSizeMB = src.Logging.MaxSizeMB
	}
	if src.Logging.MaxBackups > 0 {
		result.Logging.MaxBackups = src.Logging.MaxBackups
	}
	if src.Logging.MaxAgeDays > 0 {
		result.Logging.MaxAgeDays = src.Logging.MaxAgeDays
	}

	// Audit
	if src.Audit.FilePath != "" {
		result.Audit.FilePath = src.Audit.FilePath
	}
	if src.Audit.MaxSizeMB > 0 {
		result.Audit.MaxSizeMB = src.Audit.MaxSizeMB
	}
	if src.Audit.MaxBackups > 0 {
		result.Audit.MaxBackups = src.Audit.MaxBackups
	}
	if src.Audit.MaxAgeDays > 0 {
		result.Audit.MaxAgeDays = src.Audit.MaxAgeDays
	}

	return result
}

// ConfigWatcher provides a simple interface for watching config changes.
type ConfigWatcher struct {
	loader    *Loader
	callbacks []func(*Config, *Config) // old, new
}

// NewConfigWatcher creates a new config watcher.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		loader: loader,
	}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	// Track old config for diff callbacks
	oldCfg := w.loader.Config()

	w.loader.OnChange(func(newCfg *Config) {
		for _, cb := range w.callbacks {
			cb(oldCfg, newCfg)
		}
		oldCfg = newCfg
	})

	return w.loader.Watch()
}

// OnChange registers a callback for config changes.
// The callback receives both old and new configurations.
func (w *ConfigWatcher) OnChange(cb func(old, new *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces a reload of the configuration.
func (w *ConfigWatcher) Reload() error {
	_, err := w.loader.Load()
	return err
}
