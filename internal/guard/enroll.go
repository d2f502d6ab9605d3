package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	zxcvbn "github.com/nbutton23/zxcvbn-go"

	"noteguard/internal/fingerprint"
	"noteguard/internal/kdf"
	"noteguard/internal/pepper"
	"noteguard/internal/posture"
	"noteguard/internal/security"
	"noteguard/internal/store"
	"noteguard/internal/vault"
)

// SetupCredential enrolls the first credential: collects the device
// fingerprint, derives the master key from password, fingerprint digest
// and a fresh salt, wraps the key in the vault, and persists the
// verifier. The session is unlocked on return.
func (m *Manager) SetupCredential(ctx context.Context, password []byte) error {
	if err := checkPasswordStrength(password); err != nil {
		return err
	}

	installID, failedFields, tier, err := m.setupLocked(ctx, password)
	if err != nil {
		return err
	}

	m.posture.SetCryptoEstablished(true)
	m.posture.BeginBinding()
	m.posture.CompleteBinding()

	details := map[string]interface{}{
		"kdf_tier": tier,
		"provider": string(m.vault.Kind()),
	}
	if len(failedFields) > 0 {
		details["unavailable_fields"] = failedFields
	}
	m.audit.LogCredentialSetup(ctx, installID, details)
	m.log.Info("credential enrolled", "kdf_tier", tier)
	return nil
}

func (m *Manager) setupLocked(ctx context.Context, password []byte) (installID string, failedFields []string, tier string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enrolled {
		return "", nil, "", ErrAlreadyEnrolled
	}
	rec, err := m.store.GetCredential()
	if err != nil {
		return "", nil, "", fmt.Errorf("read credential: %w", err)
	}
	if rec != nil {
		m.enrolled = true
		return "", nil, "", ErrAlreadyEnrolled
	}

	// The password prompt is the user presence event for this flow.
	m.vault.Authorize()

	installID = uuid.NewString()
	collector := fingerprint.NewCollector(fingerprint.CollectorConfig{
		InstallID:      installID,
		DisabledFields: m.cfg.Fingerprint.DisabledFields,
	})
	fp, cerr := collector.Collect()
	if cerr != nil {
		if !errors.Is(cerr, fingerprint.ErrPartialCollection) {
			return "", nil, "", fmt.Errorf("collect fingerprint: %w", cerr)
		}
		m.log.Warn("fingerprint collection incomplete", "unavailable", fp.FailedFields)
	}

	salt, err := kdf.GenerateSalt()
	if err != nil {
		return "", nil, "", fmt.Errorf("generate salt: %w", err)
	}
	params := m.kdfParams()

	tag, err := m.pepper.ComputeTag(ctx, password)
	if err != nil {
		return "", nil, "", fmt.Errorf("compute pepper tag: %w", err)
	}
	peppered := append(append([]byte(nil), password...), tag...)
	security.Wipe(tag)
	defer security.Wipe(peppered)

	verifier, err := kdf.HashPassword(peppered, params)
	if err != nil {
		return "", nil, "", fmt.Errorf("hash password: %w", err)
	}

	master, err := kdf.DeriveMasterKey(password, fp.Digest(), salt, params)
	if err != nil {
		return "", nil, "", fmt.Errorf("derive master key: %w", err)
	}

	wrapped, err := m.vault.Wrap(ctx, AliasMaster, master)
	if err != nil {
		security.Wipe(master)
		return "", nil, "", fmt.Errorf("wrap master key: %w", err)
	}
	if err := m.store.PutWrappedSecret(&store.WrappedSecretRecord{
		Alias:      wrapped.Alias,
		Version:    wrapped.Version,
		Nonce:      wrapped.Nonce,
		Ciphertext: wrapped.Ciphertext,
	}); err != nil {
		security.Wipe(master)
		return "", nil, "", fmt.Errorf("persist wrapped master: %w", err)
	}

	if err := m.store.SaveCredential(&store.CredentialRecord{
		InstallID:     installID,
		Verifier:      verifier,
		Salt:          salt,
		KDFTier:       string(params.Tier),
		KDFTime:       params.Time,
		KDFMemoryKiB:  params.MemoryKiB,
		KDFThreads:    params.Threads,
		KDFIterations: params.PBKDF2Iterations,
		Fingerprint:   fp.Digest(),
		FieldDigests:  fp.FieldDigests(),
		PepperAlias:   pepper.Alias,
	}); err != nil {
		security.Wipe(master)
		m.store.DeleteWrappedSecret(AliasMaster)
		return "", nil, "", fmt.Errorf("persist credential: %w", err)
	}

	m.enrolled = true
	m.installID = installID
	m.audit.SetInstallID(installID)

	if err := m.unlockSession(master); err != nil {
		return "", nil, "", err
	}
	return installID, fp.FailedFields, string(params.Tier), nil
}

// VerifyCredential checks password against the stored verifier and
// re-validates the device binding. On success the session unlocks and
// the failure counter resets; on failure the counter grows by one.
// Wrong password and binding mismatch are indistinguishable to the
// caller. A device enrollment change surfaces as
// vault.ErrKeyInvalidated without touching the counter.
func (m *Manager) VerifyCredential(ctx context.Context, password []byte) error {
	if locked, remaining := m.limiter.IsLocked(limiterKey); locked {
		return fmt.Errorf("%w: retry in %s", ErrLockedOut, remaining.Round(time.Second))
	}
	if delay := m.limiter.GetDelay(limiterKey); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	rec, err := m.store.GetCredential()
	if err != nil {
		invalidated := false
		if errors.Is(err, store.ErrCredentialTampered) {
			// An enrollment change rotates the row MAC key at the next
			// boot, which looks exactly like tampering. The stored
			// master blob tells the two apart: only a stale provider
			// entry reports invalidation.
			m.vault.Authorize()
			invalidated = m.masterBlobInvalidated(ctx)
		}
		m.mu.Unlock()

		if invalidated {
			m.audit.LogKeyInvalidated(ctx, AliasMaster, "device enrollment change detected")
			return fmt.Errorf("device enrollment changed, re-enrollment required: %w", vault.ErrKeyInvalidated)
		}
		m.posture.ReportThreat("credential-store-tampered")
		m.audit.LogError(ctx, "verify_credential", err, nil)
		return fmt.Errorf("read credential: %w", err)
	}
	if rec == nil {
		m.mu.Unlock()
		return ErrNotEnrolled
	}

	m.vault.Authorize()

	// Unwrap the stored master first. It is the fast path on success,
	// and it must run before the pepper tag: computing the tag against
	// a stale pepper entry would replace the entry and turn a
	// detectable enrollment change into a permanent verifier mismatch.
	var master []byte
	blob, berr := m.store.GetWrappedSecret(AliasMaster)
	if berr != nil {
		m.log.Warn("wrapped master unavailable", "error", berr)
	}
	if blob != nil {
		master, err = m.vault.Unwrap(ctx, AliasMaster, &vault.WrappedSecret{
			Version:    blob.Version,
			Alias:      blob.Alias,
			Nonce:      blob.Nonce,
			Ciphertext: blob.Ciphertext,
		})
		if err != nil {
			if errors.Is(err, vault.ErrKeyInvalidated) {
				if derr := m.store.DeleteWrappedSecret(AliasMaster); derr != nil {
					m.log.Warn("stale master blob not removed", "error", derr)
				}
				m.mu.Unlock()
				m.audit.LogKeyInvalidated(ctx, AliasMaster, "device enrollment change detected")
				return fmt.Errorf("master key invalidated, re-enrollment required: %w", err)
			}
			m.log.Warn("stored master unwrap failed", "error", err)
			master = nil
		}
	}

	tag, err := m.pepper.ComputeTag(ctx, password)
	if err != nil {
		security.Wipe(master)
		m.mu.Unlock()
		return fmt.Errorf("compute pepper tag: %w", err)
	}
	peppered := append(append([]byte(nil), password...), tag...)
	security.Wipe(tag)
	passwordOK, err := kdf.VerifyPassword(peppered, rec.Verifier)
	security.Wipe(peppered)
	if err != nil {
		security.Wipe(master)
		m.mu.Unlock()
		return fmt.Errorf("verify password: %w", err)
	}

	collector := fingerprint.NewCollector(fingerprint.CollectorConfig{
		InstallID:      rec.InstallID,
		DisabledFields: m.cfg.Fingerprint.DisabledFields,
	})
	fp, cerr := collector.Collect()
	if cerr != nil && !errors.Is(cerr, fingerprint.ErrPartialCollection) {
		security.Wipe(master)
		m.mu.Unlock()
		return fmt.Errorf("collect fingerprint: %w", cerr)
	}
	cmp := fingerprint.CompareFieldDigests(rec.FieldDigests, fp)
	m.mu.Unlock()

	if !passwordOK {
		security.Wipe(master)
		return m.failAttempt(ctx, rec.FailedAttempts, "verifier-mismatch")
	}

	// The binding check only runs on an authenticated attempt.
	if cmp.AnyOf(m.cfg.Fingerprint.StrictFields) {
		security.Wipe(master)
		m.posture.CompromiseBinding("strict-field-mismatch")
		return m.failAttempt(ctx, rec.FailedAttempts, "binding-mismatch")
	}
	verdict := m.posture.ApplyBindingResult(cmp.Drift() == 0, cmp.Drift())
	if verdict == posture.BindingRejected {
		security.Wipe(master)
		return m.failAttempt(ctx, rec.FailedAttempts, "binding-mismatch")
	}

	m.mu.Lock()
	if master == nil {
		// The enrollment digest is the derivation input; the fresh
		// collection only feeds the binding policy above.
		master, err = kdf.DeriveMasterKey(password, rec.Fingerprint, rec.Salt, recordParams(rec))
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("derive master key: %w", err)
		}
		m.rewrapMaster(ctx, master)
	}

	if verdict == posture.BindingRebind {
		if err := m.store.UpdateFingerprint(rec.Fingerprint, fp.FieldDigests()); err != nil {
			m.log.Warn("binding refresh not persisted", "error", err)
		} else {
			m.log.Info("device binding refreshed", "drift_fields", cmp.Drift())
		}
	}
	if err := m.store.SetFailedAttempts(0); err != nil {
		m.log.Warn("failure counter not reset", "error", err)
	}
	if err := m.unlockSession(master); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.limiter.RecordSuccess(limiterKey)
	m.posture.RecordAuthSuccess()
	m.audit.LogCredentialVerify(ctx, true, map[string]interface{}{
		"drift_fields": cmp.Drift(),
	})
	return nil
}

// failAttempt records one failed verification everywhere it counts and
// returns the uniform authentication error. The audit trail keeps the
// real reason; the caller does not see it.
func (m *Manager) failAttempt(ctx context.Context, prior int, reason string) error {
	failures := prior + 1

	m.mu.Lock()
	if err := m.store.SetFailedAttempts(failures); err != nil {
		m.log.Warn("failure counter not persisted", "error", err)
	}
	m.mu.Unlock()

	m.posture.RecordAuthFailure()
	m.limiter.RecordFailure(limiterKey)
	if locked, remaining := m.limiter.IsLocked(limiterKey); locked {
		m.audit.LogLockout(ctx, failures, remaining)
	}
	m.audit.LogCredentialVerify(ctx, false, map[string]interface{}{
		"reason":   reason,
		"failures": failures,
	})
	return ErrAuthenticationFailed
}

// masterBlobInvalidated probes the stored master blob against the
// provider. Caller holds mu and must have armed authorization.
func (m *Manager) masterBlobInvalidated(ctx context.Context) bool {
	blob, err := m.store.GetWrappedSecret(AliasMaster)
	if err != nil || blob == nil {
		return false
	}
	plaintext, err := m.vault.Unwrap(ctx, AliasMaster, &vault.WrappedSecret{
		Version:    blob.Version,
		Alias:      blob.Alias,
		Nonce:      blob.Nonce,
		Ciphertext: blob.Ciphertext,
	})
	if err != nil {
		return errors.Is(err, vault.ErrKeyInvalidated)
	}
	security.Wipe(plaintext)
	return false
}

// rewrapMaster replaces a missing or unreadable master blob with a
// fresh wrap. Caller holds mu and retains ownership of master.
func (m *Manager) rewrapMaster(ctx context.Context, master []byte) {
	wrapped, err := m.vault.Wrap(ctx, AliasMaster, master)
	if err != nil {
		m.log.Warn("master key re-wrap failed", "error", err)
		return
	}
	if err := m.store.PutWrappedSecret(&store.WrappedSecretRecord{
		Alias:      wrapped.Alias,
		Version:    wrapped.Version,
		Nonce:      wrapped.Nonce,
		Ciphertext: wrapped.Ciphertext,
	}); err != nil {
		m.log.Warn("master key re-wrap not persisted", "error", err)
		return
	}
	m.log.Info("wrapped master key restored")
}

// Lock clears resident key material. Idempotent.
func (m *Manager) Lock(ctx context.Context) {
	m.mu.Lock()
	hadKey := m.masterKey != nil
	m.lockSession()
	m.mu.Unlock()

	if hadKey {
		m.log.Info("session locked")
		m.audit.LogSessionLock(ctx, "requested")
	}
}

// Wipe destroys every persisted credential, wrapped secret, vault key,
// and cached verdict, then resets posture. Irreversible.
func (m *Manager) Wipe(ctx context.Context) error {
	m.mu.Lock()
	m.lockSession()

	aliases, err := m.store.ListWrappedAliases()
	if err != nil {
		m.log.Warn("wrapped aliases not listed", "error", err)
	}
	aliases = append(aliases, AliasMaster, pepper.Alias, aliasStoreMAC)
	deleted := 0
	seen := make(map[string]bool, len(aliases))
	for _, alias := range aliases {
		if seen[alias] {
			continue
		}
		seen[alias] = true
		if err := m.vault.DeleteKey(ctx, alias); err != nil {
			m.log.Warn("vault key not deleted", "alias", alias, "error", err)
			continue
		}
		deleted++
	}

	wipeErr := m.store.WipeAll()
	m.enrolled = false
	m.installID = ""
	m.mu.Unlock()

	m.verdicts.Clear()
	m.limiter.RecordSuccess(limiterKey)
	m.posture.Reset()

	// A fresh integrity key for whatever gets enrolled next.
	m.installStoreIntegrityKey(ctx)

	if wipeErr != nil {
		m.audit.LogError(ctx, "wipe", wipeErr, nil)
		return fmt.Errorf("wipe store: %w", wipeErr)
	}
	m.audit.LogWipe(ctx, map[string]interface{}{
		"vault_keys_deleted": deleted,
	})
	m.log.Info("protected state wiped")
	return nil
}

// checkPasswordStrength applies the enrollment password policy.
func checkPasswordStrength(password []byte) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: shorter than 8 characters", ErrWeakPassword)
	}
	if zxcvbn.PasswordStrength(string(password), nil).Score < minPasswordScore {
		return fmt.Errorf("%w: too guessable", ErrWeakPassword)
	}
	return nil
}
