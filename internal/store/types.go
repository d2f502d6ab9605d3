// Package store persists noteguard's durable state in SQLite: the
// enrolled credential, hardware-wrapped secrets at rest, and the cached
// remote integrity verdict. One database file holds everything; WipeAll
// clears all state tables in a single transaction.
package store

import "time"

// CredentialRecord is the enrolled credential. The store keeps at most
// one; SaveCredential fails if a row already exists.
type CredentialRecord struct {
	InstallID      string            // installation UUID minted at setup
	Verifier       string            // encoded password verifier, self-describing
	Salt           []byte            // master-key derivation salt
	KDFTier        string            // derivation tier the parameters were chosen for
	KDFTime        uint32            // Argon2id passes
	KDFMemoryKiB   uint32            // Argon2id memory in KiB
	KDFThreads     uint8             // Argon2id lanes
	KDFIterations  int               // PBKDF2 fallback iterations
	Fingerprint    []byte            // device fingerprint digest bound into the master key
	FieldDigests   map[string]string // per-field fingerprint digests for drift diagnosis
	PepperAlias    string            // vault alias of the pepper key
	FailedAttempts int               // consecutive failed verifications
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WrappedSecretRecord is a hardware-wrapped secret at rest. The vault
// produces and consumes these; the store only keeps the bytes.
type WrappedSecretRecord struct {
	Alias      string
	Version    byte
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
}

// VerdictRecord is the persisted remote integrity verdict. Restarting
// inside the validity window restores it instead of demanding a fresh
// document.
type VerdictRecord struct {
	OK        bool
	Document  []byte // raw verdict document as pushed
	ExpiresAt time.Time
}
