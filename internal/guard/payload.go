package guard

import (
	"context"
	"errors"
	"fmt"

	"noteguard/internal/aead"
	"noteguard/internal/logging"
	"noteguard/internal/store"
	"noteguard/internal/vault"
)

// Wrap protects an application secret under a dedicated hardware key
// and persists the result. Reserved aliases belong to the manager.
func (m *Manager) Wrap(ctx context.Context, alias string, plaintext []byte) (*vault.WrappedSecret, error) {
	if alias == "" {
		return nil, errors.New("guard: empty alias")
	}
	if reservedAliases[alias] {
		return nil, fmt.Errorf("%w: %s", ErrReservedAlias, alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterKey == nil {
		return nil, ErrLocked
	}
	m.vault.Authorize()

	wrapped, err := m.vault.Wrap(ctx, alias, plaintext)
	if err != nil {
		m.audit.LogKeyAccess(ctx, alias, "wrap", false)
		return nil, err
	}
	if err := m.store.PutWrappedSecret(&store.WrappedSecretRecord{
		Alias:      wrapped.Alias,
		Version:    wrapped.Version,
		Nonce:      wrapped.Nonce,
		Ciphertext: wrapped.Ciphertext,
	}); err != nil {
		return nil, fmt.Errorf("persist wrapped secret: %w", err)
	}
	m.audit.LogKeyAccess(ctx, alias, "wrap", true)
	return wrapped, nil
}

// Unwrap recovers a secret wrapped earlier. A nil secret loads the
// stored copy for the alias. A provider invalidation surfaces as
// vault.ErrKeyInvalidated and retires the stored blob, which can no
// longer be opened by anyone.
func (m *Manager) Unwrap(ctx context.Context, alias string, secret *vault.WrappedSecret) ([]byte, error) {
	if reservedAliases[alias] {
		return nil, fmt.Errorf("%w: %s", ErrReservedAlias, alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterKey == nil {
		return nil, ErrLocked
	}

	if secret == nil {
		rec, err := m.store.GetWrappedSecret(alias)
		if err != nil {
			return nil, fmt.Errorf("load wrapped secret: %w", err)
		}
		if rec == nil {
			return nil, vault.ErrNoKey
		}
		secret = &vault.WrappedSecret{
			Version:    rec.Version,
			Alias:      rec.Alias,
			Nonce:      rec.Nonce,
			Ciphertext: rec.Ciphertext,
		}
	}

	m.vault.Authorize()
	plaintext, err := m.vault.Unwrap(ctx, alias, secret)
	if err != nil {
		m.audit.LogKeyAccess(ctx, alias, "unwrap", false)
		if errors.Is(err, vault.ErrKeyInvalidated) {
			m.audit.LogKeyInvalidated(ctx, alias, "provider key invalidated")
			if derr := m.store.DeleteWrappedSecret(alias); derr != nil {
				m.log.Warn("stale wrapped secret not removed", "alias", alias, "error", derr)
			}
		}
		return nil, err
	}
	m.audit.LogKeyAccess(ctx, alias, "unwrap", true)
	return plaintext, nil
}

// DeleteWrapped removes a wrapped secret and its vault key.
func (m *Manager) DeleteWrapped(ctx context.Context, alias string) error {
	if reservedAliases[alias] {
		return fmt.Errorf("%w: %s", ErrReservedAlias, alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.vault.DeleteKey(ctx, alias); err != nil {
		return err
	}
	if err := m.store.DeleteWrappedSecret(alias); err != nil {
		return fmt.Errorf("delete wrapped secret: %w", err)
	}
	m.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventKeyDeleted,
		Action:    "wrapped_secret_deleted",
		Resource:  alias,
		Result:    "success",
	})
	return nil
}

// AttestationChain exports the certificate chain for a key so a remote
// party can decide how much to trust it. Available without an unlocked
// session since no secret leaves the provider.
func (m *Manager) AttestationChain(ctx context.Context, alias string) ([][]byte, error) {
	chain, err := m.vault.AttestationChain(ctx, alias)
	if err != nil {
		return nil, err
	}
	m.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventAttestation,
		Action:    "attestation_export",
		Resource:  alias,
		Result:    "success",
		Details:   map[string]interface{}{"chain_length": len(chain)},
	})
	return chain, nil
}

// EncryptPayload seals a note payload under the session storage key.
func (m *Manager) EncryptPayload(plaintext []byte) (*aead.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storageKey == nil {
		return nil, ErrLocked
	}
	blob, err := aead.Encrypt(plaintext, m.storageKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	return blob, nil
}

// DecryptPayload opens a sealed payload. Every decryption problem,
// from a flipped bit to a truncated blob, comes back as
// ErrAuthenticationFailed.
func (m *Manager) DecryptPayload(blob *aead.Blob) ([]byte, error) {
	m.mu.Lock()
	if m.storageKey == nil {
		m.mu.Unlock()
		return nil, ErrLocked
	}
	plaintext, err := aead.Decrypt(blob, m.storageKey.Bytes())
	m.mu.Unlock()

	if err != nil {
		m.posture.ReportSuspicious("payload-auth-failure")
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
