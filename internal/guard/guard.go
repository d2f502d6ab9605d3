// Package guard is the external boundary of noteguard. A Manager wires
// the fingerprint collector, key derivation, hardware vault, pepper,
// integrity probe, posture machine, and store together and exposes the
// narrow operation set the application layer calls: enroll, verify,
// lock, wipe, probe, wrap, unwrap, attest, encrypt, decrypt.
//
// The in-memory master key is a single owned buffer behind the manager
// mutex. Posture callbacks re-enter the manager, so no manager lock is
// held while the posture machine is fed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"noteguard/internal/config"
	"noteguard/internal/fingerprint"
	"noteguard/internal/integrity"
	"noteguard/internal/kdf"
	"noteguard/internal/logging"
	"noteguard/internal/pepper"
	"noteguard/internal/posture"
	"noteguard/internal/security"
	"noteguard/internal/store"
	"noteguard/internal/vault"
)

// Vault aliases owned by the manager. User wraps may not reuse them.
const (
	// AliasMaster is the vault alias the master key is wrapped under.
	AliasMaster = "noteguard-master-v1"

	// aliasStoreMAC keys the credential row digest in the store.
	aliasStoreMAC = "noteguard-store-v1"
)

// storageContext is the HKDF info string for the payload encryption
// sub-key.
const storageContext = "noteguard-storage-v1"

// storeMACContext is the fixed input the store integrity key is derived
// from under the aliasStoreMAC vault key.
const storeMACContext = "credential-row-mac"

// limiterKey identifies the single local credential in the failure
// limiter.
const limiterKey = "credential"

// minPasswordScore is the zxcvbn score floor for new passwords, on the
// 0..4 scale.
const minPasswordScore = 2

// failureResetWindow is how long the limiter remembers failures with no
// new attempt.
const failureResetWindow = 15 * time.Minute

var (
	ErrAlreadyEnrolled      = errors.New("guard: credential already enrolled")
	ErrNotEnrolled          = errors.New("guard: no credential enrolled")
	ErrWeakPassword         = errors.New("guard: password too weak")
	ErrAuthenticationFailed = errors.New("guard: authentication failed")
	ErrLockedOut            = errors.New("guard: too many failed attempts")
	ErrLocked               = errors.New("guard: session locked")
	ErrReservedAlias        = errors.New("guard: alias reserved for internal use")
)

// Provider and collection sentinels re-exported at the boundary, so
// callers can match the whole error taxonomy against one package.
var (
	ErrDeviceNotSecure   = vault.ErrDeviceNotSecure
	ErrKeyInvalidated    = vault.ErrKeyInvalidated
	ErrNoKey             = vault.ErrNoKey
	ErrPartialCollection = fingerprint.ErrPartialCollection
)

var reservedAliases = map[string]bool{
	AliasMaster:   true,
	aliasStoreMAC: true,
	pepper.Alias:  true,
}

// Manager owns the protected state and serializes access to it.
type Manager struct {
	cfg   *config.Config
	log   *logging.Logger
	audit *logging.AuditLogger

	vault    *vault.Vault
	pepper   *pepper.Service
	probe    *integrity.Probe
	verdicts *integrity.VerdictCache
	store    *store.Store
	posture  *posture.Machine
	limiter  *security.FailureLimiter

	mu         sync.Mutex
	masterKey  *security.SecureBuffer
	storageKey *security.SecureBuffer
	installID  string
	enrolled   bool
}

// Status is the manager state snapshot surfaced to operators.
type Status struct {
	Enrolled      bool                     `json:"enrolled"`
	Unlocked      bool                     `json:"unlocked"`
	Provider      string                   `json:"provider"`
	InstallID     string                   `json:"install_id,omitempty"`
	MasterKey     string                   `json:"master_key_state"`
	PepperKey     string                   `json:"pepper_key_state"`
	Metrics       posture.SecurityMetrics  `json:"metrics"`
	StoreFindings []string                 `json:"store_findings,omitempty"`
}

// New builds a manager from configuration. It opens the store and the
// best available key provider, then restores any state persisted by an
// earlier run. The context bounds the provider calls made during
// construction.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, audit *logging.AuditLogger) (*Manager, error) {
	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := vault.Detect(cfg.Vault, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("detect key provider: %w", err)
	}
	v := vault.New(provider, cfg.Vault, logger)

	ttl := time.Duration(cfg.Integrity.VerdictTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = integrity.DefaultVerdictTTL
	}
	verdicts := integrity.NewVerdictCache(ttl)

	m := &Manager{
		cfg:      cfg,
		log:      logger.WithComponent("guard"),
		audit:    audit,
		vault:    v,
		pepper:   pepper.New(v, logger),
		verdicts: verdicts,
		store:    st,
		posture:  posture.New(cfg.Policy, logger, audit),
		limiter:  newLimiter(cfg.Policy),
	}

	if cfg.Integrity.Enabled {
		m.probe = integrity.NewProbe(integrity.ProbeConfig{
			ExtraSuPaths:   cfg.Integrity.SuPaths,
			ExtraHookPaths: cfg.Integrity.HookLibraries,
			Verdicts:       verdicts,
		})
	}

	m.installStoreIntegrityKey(ctx)
	m.restore(ctx)

	m.posture.OnEmergency(func(level posture.Level) {
		m.lockForEmergency(level)
	})
	m.posture.SetWipeCallback(func() {
		m.wipeForEmergency()
	})

	return m, nil
}

func newLimiter(p config.PolicyConfig) *security.FailureLimiter {
	base := time.Duration(p.LockoutBaseMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	max := time.Duration(p.LockoutMaxMs) * time.Millisecond
	if max < base {
		max = base
	}
	return security.NewFailureLimiter(base, max, failureResetWindow, p.MaxFailedAttempts, max)
}

// installStoreIntegrityKey derives the credential row MAC key from the
// device-bound vault and hands it to the store. Best effort: on a host
// without a usable provider the store runs without row verification and
// every credential operation fails at the vault instead.
func (m *Manager) installStoreIntegrityKey(ctx context.Context) {
	err := m.vault.EnsureKeyWithPolicy(ctx, aliasStoreMAC, vault.KeyPolicy{})
	if err == nil {
		var key []byte
		key, err = m.vault.HMAC(ctx, aliasStoreMAC, []byte(storeMACContext))
		if err == nil {
			m.store.SetIntegrityKey(key)
			security.Wipe(key)
			return
		}
	}
	m.log.Warn("store integrity tag disabled", "error", err)
}

// restore loads persisted enrollment and verdict state into memory.
// A rejected credential row is only logged here: whether it is
// tampering or a device enrollment change needs an authorized provider
// probe, which the next verification performs.
func (m *Manager) restore(ctx context.Context) {
	rec, err := m.store.GetCredential()
	if err != nil {
		m.log.Error("stored credential rejected", "error", err)
		m.audit.LogError(ctx, "restore_credential", err, nil)
		return
	}
	if rec != nil {
		m.enrolled = true
		m.installID = rec.InstallID
		m.audit.SetInstallID(rec.InstallID)
		m.posture.SetCryptoEstablished(true)
		m.posture.BeginBinding()
		m.posture.CompleteBinding()
		m.posture.RestoreFailedAttempts(rec.FailedAttempts)
	}

	vrec, err := m.store.GetVerdict()
	if err != nil {
		m.log.Warn("cached verdict unavailable", "error", err)
	} else if vrec != nil && time.Now().Before(vrec.ExpiresAt) {
		m.verdicts.Restore(integrity.Snapshot{
			OK:        vrec.OK,
			Raw:       vrec.Document,
			ExpiresAt: vrec.ExpiresAt,
		})
	}
}

// Close locks the session and releases the store and provider.
func (m *Manager) Close() error {
	m.Lock(context.Background())

	var firstErr error
	if err := m.store.Close(); err != nil {
		firstErr = err
	}
	if err := m.vault.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Status reports the current manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Enrolled:  m.enrolled,
		Unlocked:  m.masterKey != nil,
		Provider:  string(m.vault.Kind()),
		InstallID: m.installID,
		MasterKey: m.vault.StateOf(AliasMaster).String(),
		PepperKey: m.pepper.State().String(),
	}
	m.mu.Unlock()

	s.Metrics = m.posture.Metrics()
	if findings, err := m.store.CheckIntegrity(); err == nil {
		s.StoreFindings = findings
	}
	return s
}

// Metrics returns the current security posture snapshot.
func (m *Manager) Metrics() posture.SecurityMetrics {
	return m.posture.Metrics()
}

// Unlocked reports whether a session key is resident.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterKey != nil
}

// kdfParams resolves the configured derivation parameters to concrete
// values: tier preset first, explicit overrides on top.
func (m *Manager) kdfParams() kdf.Params {
	tier, err := kdf.ParseTier(m.cfg.KDF.Tier)
	if err != nil {
		tier = kdf.DefaultTier()
	}
	p := kdf.ParamsForTier(tier)
	if m.cfg.KDF.TimeCost > 0 {
		p.Time = m.cfg.KDF.TimeCost
	}
	if m.cfg.KDF.MemoryKiB > 0 {
		p.MemoryKiB = m.cfg.KDF.MemoryKiB
	}
	if m.cfg.KDF.Threads > 0 {
		p.Threads = m.cfg.KDF.Threads
	}
	if m.cfg.KDF.PBKDF2Iterations > 0 {
		p.PBKDF2Iterations = m.cfg.KDF.PBKDF2Iterations
	}
	return p
}

// recordParams rebuilds the derivation parameters a credential was
// enrolled with.
func recordParams(rec *store.CredentialRecord) kdf.Params {
	return kdf.Params{
		Tier:             kdf.Tier(rec.KDFTier),
		Time:             rec.KDFTime,
		MemoryKiB:        rec.KDFMemoryKiB,
		Threads:          rec.KDFThreads,
		PBKDF2Iterations: rec.KDFIterations,
	}
}

// unlockSession installs the master key and derives the payload sub-key.
// Takes ownership of master and wipes it on every path. Caller holds mu.
func (m *Manager) unlockSession(master []byte) error {
	sub, err := kdf.DeriveSubKey(master, storageContext, 32)
	if err != nil {
		security.Wipe(master)
		return fmt.Errorf("derive storage key: %w", err)
	}

	masterBuf, err := security.FromBytes(master)
	if err != nil {
		security.Wipe(master)
		security.Wipe(sub)
		return fmt.Errorf("seal master key: %w", err)
	}
	subBuf, err := security.FromBytes(sub)
	if err != nil {
		masterBuf.Destroy()
		security.Wipe(sub)
		return fmt.Errorf("seal storage key: %w", err)
	}

	m.lockSession()
	m.masterKey = masterBuf
	m.storageKey = subBuf
	return nil
}

// lockSession destroys resident key material. Caller holds mu.
func (m *Manager) lockSession() {
	if m.masterKey != nil {
		m.masterKey.Destroy()
		m.masterKey = nil
	}
	if m.storageKey != nil {
		m.storageKey.Destroy()
		m.storageKey = nil
	}
}

// lockForEmergency is the posture machine's escalation hook.
func (m *Manager) lockForEmergency(level posture.Level) {
	m.mu.Lock()
	hadKey := m.masterKey != nil
	m.lockSession()
	m.mu.Unlock()

	m.log.Error("emergency protocol locked session",
		"level", string(level),
		"had_session", hadKey)
	m.audit.LogSessionLock(context.Background(), "emergency:"+string(level))
}

// wipeForEmergency is the posture machine's wipe hook, active only when
// policy sets wipe_on_emergency.
func (m *Manager) wipeForEmergency() {
	if err := m.Wipe(context.Background()); err != nil {
		m.log.Error("emergency wipe failed", "error", err)
	}
}
