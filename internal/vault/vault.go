// Package vault wraps application secrets under device-resident keys.
//
// A SecureKeyProvider abstracts the platform secure element: a TPM 2.0
// device on Linux hosts that have one, and an encrypted software keystore
// everywhere else. The Vault layers a per-alias lifecycle state machine,
// a lock screen precondition and user authentication gating on top of
// whichever provider Detect selects. Key material held by a provider is
// never exported; callers only ever see wrapped blobs and HMAC tags.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"noteguard/internal/config"
	"noteguard/internal/logging"
)

// ProviderKind identifies the backing implementation of a provider.
type ProviderKind string

const (
	// KindHardware is a provider backed by a discrete secure element.
	KindHardware ProviderKind = "hardware"

	// KindSoftware is the encrypted keystore fallback.
	KindSoftware ProviderKind = "software"
)

// WrapVersion is the current wrapped secret format version.
const WrapVersion byte = 1

var (
	ErrDeviceNotSecure = errors.New("vault: device has no secure lock screen")
	ErrKeyInvalidated  = errors.New("vault: key invalidated by enrollment change")
	ErrNoKey           = errors.New("vault: no key material for alias")
	ErrAuthRequired    = errors.New("vault: user authentication required")
	ErrUnwrapFailed    = errors.New("vault: unwrap authentication failed")
	ErrMalformedSecret = errors.New("vault: malformed wrapped secret")
	ErrNoHardware      = errors.New("vault: no hardware provider available")
	ErrProviderClosed  = errors.New("vault: provider closed")
)

// KeyPolicy controls how a generated key may be used.
type KeyPolicy struct {
	// RequireAuth gates every use of the key on recent user
	// authentication.
	RequireAuth bool `json:"require_auth"`

	// AuthValiditySeconds is how long one authentication remains valid.
	// Zero means every operation needs its own authentication.
	AuthValiditySeconds int `json:"auth_validity_seconds"`
}

// WrappedSecret is a payload wrapped under a provider-resident key.
// The alias is bound into the AEAD additional data, so a secret wrapped
// for one alias cannot be unwrapped under another.
type WrappedSecret struct {
	Version    byte   `json:"version" cbor:"version"`
	Alias      string `json:"alias" cbor:"alias"`
	Nonce      []byte `json:"nonce" cbor:"nonce"`
	Ciphertext []byte `json:"ciphertext" cbor:"ciphertext"`
}

func (w *WrappedSecret) validate() error {
	if w == nil {
		return ErrMalformedSecret
	}
	if w.Version != WrapVersion {
		return fmt.Errorf("%w: unknown version %d", ErrMalformedSecret, w.Version)
	}
	if len(w.Nonce) != wrapNonceSize || len(w.Ciphertext) < wrapTagSize {
		return ErrMalformedSecret
	}
	return nil
}

// SecureKeyProvider is the strategy interface every key backend
// implements. Implementations persist the per-alias key material in
// their own store; the Vault owns lifecycle state and gating.
type SecureKeyProvider interface {
	// Kind reports whether keys live in hardware or software.
	Kind() ProviderKind

	// Available reports whether the backend can currently be reached.
	Available() bool

	// DeviceSecure reports whether the platform has an active secure
	// lock screen protecting the provider's key material.
	DeviceSecure(ctx context.Context) (bool, error)

	// GenerateKey creates key material for alias. Generating an alias
	// that already holds a live key keeps the existing material.
	GenerateKey(ctx context.Context, alias string, policy KeyPolicy) error

	// Wrap encrypts plaintext under the alias key.
	Wrap(ctx context.Context, alias string, plaintext []byte) (*WrappedSecret, error)

	// Unwrap decrypts a previously wrapped secret.
	Unwrap(ctx context.Context, alias string, secret *WrappedSecret) ([]byte, error)

	// HMAC computes an HMAC-SHA256 tag over data with the alias key.
	HMAC(ctx context.Context, alias string, data []byte) ([]byte, error)

	// AttestationChain returns the DER certificate chain, leaf first,
	// vouching for the alias key. ErrNoKey if never generated.
	AttestationChain(ctx context.Context, alias string) ([][]byte, error)

	// DeleteKey destroys the alias key material. Idempotent.
	DeleteKey(ctx context.Context, alias string) error

	// Close releases backend resources.
	Close() error
}

// KeyState is the lifecycle state of one alias.
type KeyState int

const (
	StateNotPresent KeyState = iota
	StateGenerating
	StatePresent
	StateInvalidated
)

func (s KeyState) String() string {
	switch s {
	case StateNotPresent:
		return "not-present"
	case StateGenerating:
		return "generating"
	case StatePresent:
		return "present"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type aliasState struct {
	state  KeyState
	policy KeyPolicy
}

// Vault enforces the alias lifecycle over a SecureKeyProvider.
//
// All operations serialize on one mutex; secure element calls can block
// on platform I/O, and callers needing timeouts pass a context. An
// invalidated alias stays invalidated until EnsureKey re-enrolls it:
// the provider entry is deleted immediately, the first caller sees
// ErrKeyInvalidated and later callers see ErrNoKey.
type Vault struct {
	provider SecureKeyProvider
	log      *logging.Logger

	defaultPolicy KeyPolicy
	assumeSecure  bool

	mu          sync.Mutex
	aliases     map[string]*aliasState
	authArmedAt time.Time
	authOneShot bool

	now func() time.Time
}

// New builds a Vault over provider using the configured default policy.
func New(provider SecureKeyProvider, cfg config.VaultConfig, logger *logging.Logger) *Vault {
	if logger == nil {
		logger = logging.Default()
	}
	return &Vault{
		provider: provider,
		log:      logger.WithComponent("vault"),
		defaultPolicy: KeyPolicy{
			RequireAuth:         cfg.RequireAuth,
			AuthValiditySeconds: cfg.AuthValiditySec,
		},
		assumeSecure: cfg.AssumeDeviceSecure,
		aliases:      make(map[string]*aliasState),
		now:          time.Now,
	}
}

// Kind reports the active provider kind.
func (v *Vault) Kind() ProviderKind { return v.provider.Kind() }

// Policy returns the default key policy applied to new aliases.
func (v *Vault) Policy() KeyPolicy { return v.defaultPolicy }

// StateOf returns the lifecycle state of alias as seen by this vault.
func (v *Vault) StateOf(alias string) KeyState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st, ok := v.aliases[alias]; ok {
		return st.state
	}
	return StateNotPresent
}

// Authorize records that the user just completed platform
// authentication. For policies with a validity window this arms the
// window; for per-operation policies it authorizes exactly one call.
func (v *Vault) Authorize() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authArmedAt = v.now()
	v.authOneShot = true
}

// EnsureKey generates key material for alias with the default policy if
// none exists. This is also the re-enrollment path after invalidation.
func (v *Vault) EnsureKey(ctx context.Context, alias string) error {
	return v.EnsureKeyWithPolicy(ctx, alias, v.defaultPolicy)
}

// EnsureKeyWithPolicy is EnsureKey with an explicit policy.
func (v *Vault) EnsureKeyWithPolicy(ctx context.Context, alias string, policy KeyPolicy) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkDeviceSecureLocked(ctx); err != nil {
		return err
	}

	st := v.aliasLocked(alias)
	st.policy = policy
	if st.state == StatePresent {
		return nil
	}
	return v.generateLocked(ctx, alias, st)
}

// Wrap encrypts plaintext under the alias key, generating the key with
// the default policy when the alias has never been enrolled. A wrap
// against an invalidated alias fails with ErrNoKey until the caller
// re-enrolls via EnsureKey.
func (v *Vault) Wrap(ctx context.Context, alias string, plaintext []byte) (*WrappedSecret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkDeviceSecureLocked(ctx); err != nil {
		return nil, err
	}

	st := v.aliasLocked(alias)
	switch st.state {
	case StateInvalidated:
		return nil, ErrNoKey
	case StateNotPresent:
		if err := v.generateLocked(ctx, alias, st); err != nil {
			return nil, err
		}
	}

	if err := v.consumeAuthLocked(st.policy); err != nil {
		return nil, err
	}

	secret, err := v.provider.Wrap(ctx, alias, plaintext)
	if err != nil {
		return nil, v.mapProviderErrLocked(ctx, alias, st, "wrap", err)
	}
	st.state = StatePresent
	return secret, nil
}

// Unwrap decrypts a wrapped secret under the alias key. Unlike Wrap it
// never generates key material: unwrapping implies the key must already
// exist.
func (v *Vault) Unwrap(ctx context.Context, alias string, secret *WrappedSecret) ([]byte, error) {
	if err := secret.validate(); err != nil {
		return nil, err
	}
	if secret.Alias != "" && secret.Alias != alias {
		return nil, fmt.Errorf("%w: secret wrapped for alias %q", ErrUnwrapFailed, secret.Alias)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkDeviceSecureLocked(ctx); err != nil {
		return nil, err
	}

	st := v.aliasLocked(alias)
	if st.state == StateInvalidated {
		return nil, ErrNoKey
	}
	if err := v.consumeAuthLocked(st.policy); err != nil {
		return nil, err
	}

	plaintext, err := v.provider.Unwrap(ctx, alias, secret)
	if err != nil {
		return nil, v.mapProviderErrLocked(ctx, alias, st, "unwrap", err)
	}
	st.state = StatePresent
	return plaintext, nil
}

// HMAC computes a keyed tag over data with the alias key, generating
// the key on first use like Wrap.
func (v *Vault) HMAC(ctx context.Context, alias string, data []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkDeviceSecureLocked(ctx); err != nil {
		return nil, err
	}

	st := v.aliasLocked(alias)
	switch st.state {
	case StateInvalidated:
		return nil, ErrNoKey
	case StateNotPresent:
		if err := v.generateLocked(ctx, alias, st); err != nil {
			return nil, err
		}
	}

	if err := v.consumeAuthLocked(st.policy); err != nil {
		return nil, err
	}

	tag, err := v.provider.HMAC(ctx, alias, data)
	if err != nil {
		return nil, v.mapProviderErrLocked(ctx, alias, st, "hmac", err)
	}
	st.state = StatePresent
	return tag, nil
}

// AttestationChain fetches the DER certificate chain for alias, leaf
// first. The chain is public material: no lock screen or authentication
// gating applies, and nothing is cached between calls.
func (v *Vault) AttestationChain(ctx context.Context, alias string) ([][]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := v.aliasLocked(alias)
	if st.state == StateInvalidated {
		return nil, ErrNoKey
	}

	chain, err := v.provider.AttestationChain(ctx, alias)
	if err != nil {
		return nil, v.mapProviderErrLocked(ctx, alias, st, "attest", err)
	}
	st.state = StatePresent
	return chain, nil
}

// DeleteKey destroys the alias key material and resets its lifecycle,
// allowing a later EnsureKey or Wrap to start fresh. Idempotent.
func (v *Vault) DeleteKey(ctx context.Context, alias string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.provider.DeleteKey(ctx, alias); err != nil {
		return err
	}
	delete(v.aliases, alias)
	v.log.Info("key deleted", "alias", alias)
	return nil
}

// Close releases the underlying provider.
func (v *Vault) Close() error {
	return v.provider.Close()
}

func (v *Vault) aliasLocked(alias string) *aliasState {
	st, ok := v.aliases[alias]
	if !ok {
		st = &aliasState{state: StateNotPresent, policy: v.defaultPolicy}
		v.aliases[alias] = st
	}
	return st
}

func (v *Vault) checkDeviceSecureLocked(ctx context.Context) error {
	if v.assumeSecure {
		return nil
	}
	ok, err := v.provider.DeviceSecure(ctx)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrDeviceNotSecure, err)
	}
	if !ok {
		return ErrDeviceNotSecure
	}
	return nil
}

func (v *Vault) consumeAuthLocked(policy KeyPolicy) error {
	if !policy.RequireAuth {
		return nil
	}
	if policy.AuthValiditySeconds > 0 {
		if v.authArmedAt.IsZero() {
			return ErrAuthRequired
		}
		deadline := v.authArmedAt.Add(time.Duration(policy.AuthValiditySeconds) * time.Second)
		if v.now().After(deadline) {
			return ErrAuthRequired
		}
		return nil
	}
	if !v.authOneShot {
		return ErrAuthRequired
	}
	v.authOneShot = false
	return nil
}

func (v *Vault) generateLocked(ctx context.Context, alias string, st *aliasState) error {
	st.state = StateGenerating
	if err := v.provider.GenerateKey(ctx, alias, st.policy); err != nil {
		st.state = StateNotPresent
		return fmt.Errorf("vault: generate %q: %w", alias, err)
	}
	st.state = StatePresent
	v.log.Info("key generated",
		"alias", alias,
		"provider", v.provider.Kind(),
		"require_auth", st.policy.RequireAuth)
	return nil
}

// mapProviderErrLocked translates provider failures into lifecycle
// transitions. Invalidation follows delete-then-fail: the provider
// entry is removed before the error surfaces, so retries cannot touch
// stale key material.
func (v *Vault) mapProviderErrLocked(ctx context.Context, alias string, st *aliasState, op string, err error) error {
	switch {
	case errors.Is(err, ErrKeyInvalidated):
		if derr := v.provider.DeleteKey(ctx, alias); derr != nil {
			v.log.Warn("delete after invalidation failed", "alias", alias, "error", derr)
		}
		st.state = StateInvalidated
		v.log.Warn("key invalidated", "alias", alias, "op", op)
		return ErrKeyInvalidated
	case errors.Is(err, ErrNoKey):
		st.state = StateNotPresent
		return ErrNoKey
	default:
		return err
	}
}

// Detect selects a key provider per the configuration: hardware first,
// falling back to the software keystore. The fallback carries the same
// key policy; authentication requirements are never silently dropped.
func Detect(cfg config.VaultConfig, logger *logging.Logger) (SecureKeyProvider, error) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("vault")

	switch cfg.Provider {
	case "", "auto":
		if p := detectHardwareProvider(cfg, logger); p != nil {
			log.Info("hardware key provider selected", "device", cfg.TPMPath)
			return p, nil
		}
		log.Info("no secure element found, using software keystore", "path", cfg.KeystorePath)
		return NewSoftwareProvider(cfg, logger)
	case "tpm":
		p := detectHardwareProvider(cfg, logger)
		if p == nil {
			return nil, ErrNoHardware
		}
		return p, nil
	case "software", "keychain":
		// On darwin the software keystore roots its seed in the login
		// keychain, which is what "keychain" selects.
		return NewSoftwareProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("vault: unknown provider %q", cfg.Provider)
	}
}
