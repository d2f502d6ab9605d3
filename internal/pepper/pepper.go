// Package pepper augments password verifiers with a device-resident
// keyed tag.
//
// The tag is an HMAC-SHA256 over the password, keyed by a secret that
// lives in the platform secure element and never leaves it. A stolen
// credential store is useless off-device: candidate passwords cannot be
// tested without the element computing their tags.
package pepper

import (
	"context"
	"fmt"

	"noteguard/internal/logging"
	"noteguard/internal/vault"
)

// Alias names the pepper key inside the vault. Versioned so a future
// primitive change can run old and new keys side by side.
const Alias = "noteguard-pepper-v1"

// TagSize is the length of a pepper tag in bytes.
const TagSize = 32

// Service computes pepper tags. The key is generated on first use and
// inherits the vault's authentication policy.
type Service struct {
	vault *vault.Vault
	log   *logging.Logger
}

func New(v *vault.Vault, logger *logging.Logger) *Service {
	return &Service{
		vault: v,
		log:   logger.WithComponent("pepper"),
	}
}

// ComputeTag returns the keyed tag for password. The first call
// generates the pepper key. Vault errors pass through unchanged so
// callers can tell a missing lock screen from an invalidated key.
func (s *Service) ComputeTag(ctx context.Context, password []byte) ([]byte, error) {
	tag, err := s.vault.HMAC(ctx, Alias, password)
	if err != nil {
		return nil, err
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("pepper: provider returned %d-byte tag", len(tag))
	}
	return tag, nil
}

// Ensure generates the pepper key if it is missing. Enrollment calls
// this up front so the first verify does not pay generation latency.
func (s *Service) Ensure(ctx context.Context) error {
	return s.vault.EnsureKey(ctx, Alias)
}

// Reset destroys the pepper key and generates a fresh one. Verifiers
// computed with the old key stop matching, so the caller must re-enroll
// the credential in the same step.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.vault.DeleteKey(ctx, Alias); err != nil {
		return err
	}
	s.log.Info("pepper key reset")
	return s.vault.EnsureKey(ctx, Alias)
}

// State reports the lifecycle state of the pepper key.
func (s *Service) State() vault.KeyState {
	return s.vault.StateOf(Alias)
}
