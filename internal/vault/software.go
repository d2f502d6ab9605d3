package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"noteguard/internal/config"
	"noteguard/internal/logging"
	"noteguard/internal/security"
)

// seedSize is the size of the keystore master seed.
const seedSize = rootSecretSize

// SoftwareProvider is the fallback SecureKeyProvider. Alias root
// secrets live in a CBOR keystore file, each wrapped by a KEK derived
// from a device-local seed: a 0600 file on Linux, a login keychain item
// on macOS. It cannot match hardware isolation, but an exfiltrated
// keystore is useless without the seed, and the generation counter
// reproduces the enrollment-change invalidation that platform keystores
// enforce.
type SoftwareProvider struct {
	mu     sync.Mutex
	log    *logging.Logger
	ks     *keystore
	kek    []byte
	closed bool
}

// NewSoftwareProvider opens (or creates) the keystore configured in cfg.
func NewSoftwareProvider(cfg config.VaultConfig, logger *logging.Logger) (*SoftwareProvider, error) {
	if logger == nil {
		logger = logging.Default()
	}

	seed, err := loadSeed(cfg.SeedPath)
	if err != nil {
		return nil, err
	}
	kek, err := deriveUsageKey(seed, usageKEK)
	security.Wipe(seed)
	if err != nil {
		return nil, err
	}

	ks, err := openKeystore(cfg.KeystorePath, string(KindSoftware))
	if err != nil {
		security.Wipe(kek)
		return nil, err
	}

	p := &SoftwareProvider{
		log: logger.WithComponent("vault.software"),
		ks:  ks,
		kek: kek,
	}

	if len(ks.file.AttestCert) == 0 {
		if err := p.initAttestationRoot(); err != nil {
			security.Wipe(kek)
			return nil, err
		}
	}
	return p, nil
}

func (p *SoftwareProvider) initAttestationRoot() error {
	keyDER, certDER, err := newAttestationRoot(KindSoftware)
	if err != nil {
		return err
	}
	defer security.Wipe(keyDER)

	nonce, ciphertext, err := sealSecret(p.kek, aadKeystorePrefix+"attest", keyDER)
	if err != nil {
		return err
	}
	p.ks.file.AttestKey = append(nonce, ciphertext...)
	p.ks.file.AttestCert = certDER
	return p.ks.save()
}

// Kind implements SecureKeyProvider.
func (p *SoftwareProvider) Kind() ProviderKind { return KindSoftware }

// Available implements SecureKeyProvider.
func (p *SoftwareProvider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// DeviceSecure implements SecureKeyProvider using the platform lock
// screen probe.
func (p *SoftwareProvider) DeviceSecure(ctx context.Context) (bool, error) {
	return platformDeviceSecure(ctx)
}

// GenerateKey implements SecureKeyProvider. An alias that already holds
// a current-generation entry keeps its key; a stale entry is replaced,
// which is the re-enrollment path.
func (p *SoftwareProvider) GenerateKey(_ context.Context, alias string, policy KeyPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	if e, ok := p.ks.entry(alias); ok && e.Generation == p.ks.file.Generation {
		return nil
	}

	root, err := security.GenerateKey(rootSecretSize)
	if err != nil {
		return fmt.Errorf("vault: generate root secret: %w", err)
	}
	defer security.Wipe(root)

	nonce, ciphertext, err := sealSecret(p.kek, aadKeystorePrefix+alias, root)
	if err != nil {
		return err
	}

	p.ks.put(alias, keystoreEntry{
		Blob:                append(nonce, ciphertext...),
		Generation:          p.ks.file.Generation,
		RequireAuth:         policy.RequireAuth,
		AuthValiditySeconds: policy.AuthValiditySeconds,
		CreatedAt:           time.Now().UTC(),
	})
	return p.ks.save()
}

// Wrap implements SecureKeyProvider.
func (p *SoftwareProvider) Wrap(_ context.Context, alias string, plaintext []byte) (*WrappedSecret, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return wrapWithRoot(root, alias, plaintext)
}

// Unwrap implements SecureKeyProvider.
func (p *SoftwareProvider) Unwrap(_ context.Context, alias string, secret *WrappedSecret) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return unwrapWithRoot(root, alias, secret)
}

// HMAC implements SecureKeyProvider.
func (p *SoftwareProvider) HMAC(_ context.Context, alias string, data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.aliasRootLocked(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(root)

	return hmacWithRoot(root, data)
}

// AttestationChain implements SecureKeyProvider. The chain is minted on
// every call: a fresh leaf naming the alias, signed by the keystore
// root.
func (p *SoftwareProvider) AttestationChain(_ context.Context, alias string) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}

	e, ok := p.ks.entry(alias)
	if !ok {
		return nil, ErrNoKey
	}
	if e.Generation != p.ks.file.Generation {
		return nil, p.invalidateLocked(alias, "stale generation")
	}

	nonce, ciphertext, err := splitSealed(p.ks.file.AttestKey)
	if err != nil {
		return nil, fmt.Errorf("vault: attestation key blob: %w", err)
	}
	keyDER, err := openSecret(p.kek, aadKeystorePrefix+"attest", nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: unwrap attestation key: %w", err)
	}
	defer security.Wipe(keyDER)

	leafDER, err := mintAliasCertificate(keyDER, p.ks.file.AttestCert, alias, e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return [][]byte{leafDER, p.ks.file.AttestCert}, nil
}

// DeleteKey implements SecureKeyProvider. Deleting an absent alias is
// a no-op.
func (p *SoftwareProvider) DeleteKey(_ context.Context, alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	if p.ks.remove(alias) {
		return p.ks.save()
	}
	return nil
}

// Close implements SecureKeyProvider.
func (p *SoftwareProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	security.Wipe(p.kek)
	p.closed = true
	return nil
}

// SimulateEnrollmentChange bumps the keystore generation, invalidating
// every existing alias on its next use. This mirrors what a credential
// enrollment change does to platform keystore keys, and backs both
// tests and the re-enrollment recovery drill.
func (p *SoftwareProvider) SimulateEnrollmentChange() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}

	p.ks.bumpGeneration()
	if err := p.ks.save(); err != nil {
		return err
	}
	p.log.Warn("enrollment change simulated", "generation", p.ks.file.Generation)
	return nil
}

// aliasRootLocked resolves the alias root secret. Stale or corrupted
// entries are deleted before the error surfaces.
func (p *SoftwareProvider) aliasRootLocked(alias string) ([]byte, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}

	e, ok := p.ks.entry(alias)
	if !ok {
		return nil, ErrNoKey
	}
	if e.Generation != p.ks.file.Generation {
		return nil, p.invalidateLocked(alias, "stale generation")
	}

	nonce, ciphertext, err := splitSealed(e.Blob)
	if err != nil {
		return nil, p.invalidateLocked(alias, "malformed blob")
	}
	root, err := openSecret(p.kek, aadKeystorePrefix+alias, nonce, ciphertext)
	if err != nil {
		// The KEK no longer opens the blob: the seed was replaced or
		// the entry tampered with. Either way the key is gone.
		return nil, p.invalidateLocked(alias, "kek mismatch")
	}
	return root, nil
}

func (p *SoftwareProvider) invalidateLocked(alias, reason string) error {
	if p.ks.remove(alias) {
		if err := p.ks.save(); err != nil {
			p.log.Error("persist invalidation", "alias", alias, "error", err)
		}
	}
	p.log.Warn("alias invalidated", "alias", alias, "reason", reason)
	return ErrKeyInvalidated
}

func splitSealed(blob []byte) (nonce, ciphertext []byte, err error) {
	if len(blob) < wrapNonceSize+wrapTagSize {
		return nil, nil, ErrMalformedSecret
	}
	return blob[:wrapNonceSize], blob[wrapNonceSize:], nil
}

var _ SecureKeyProvider = (*SoftwareProvider)(nil)

// seedFromFile loads the keystore seed from a 0600 file, creating it on
// first use.
func seedFromFile(path string) ([]byte, error) {
	seed, err := security.ReadSecretFile(path, 256)
	switch {
	case err == nil:
		if len(seed) != seedSize {
			return nil, fmt.Errorf("vault: seed file %s holds %d bytes, want %d", path, len(seed), seedSize)
		}
		return seed, nil

	case os.IsNotExist(err):
		seed, err = security.GenerateKey(seedSize)
		if err != nil {
			return nil, fmt.Errorf("vault: generate seed: %w", err)
		}
		if err := security.WriteSecretFile(path, seed); err != nil {
			return nil, fmt.Errorf("vault: persist seed: %w", err)
		}
		return seed, nil

	default:
		return nil, fmt.Errorf("vault: read seed: %w", err)
	}
}
