// Package kdf implements the key derivation hierarchy for noteguard.
//
// The hierarchy has two levels:
//   - Master key: Argon2id (or legacy PBKDF2-HMAC-SHA256) over the user
//     password mixed with the device fingerprint digest, so the key is
//     bound to both what the user knows and where the install lives.
//   - Sub-keys: HKDF-SHA256 expansion of the master key under per-purpose
//     context strings, so storage, search and future consumers never share
//     key material.
//
// Master keys are never persisted; they are re-derived on every unlock.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"noteguard/internal/security"
)

// Sizes and limits.
const (
	// MasterKeySize is the length of every derived master key.
	MasterKeySize = 32

	// SaltSize is the length of freshly generated salts.
	SaltSize = 16

	// MinPBKDF2Iterations is the floor for the legacy derivation path.
	// Anything below this is refused outright rather than warned about.
	MinPBKDF2Iterations = 500000

	// DefaultPBKDF2Iterations is used when the caller does not override.
	DefaultPBKDF2Iterations = 600000

	// maxExpandBlocks is the RFC 5869 limit: the expand counter is a
	// single byte, so at most 255 HMAC blocks can ever be produced.
	maxExpandBlocks = 255
)

// Sub-key derivation domains. Changing one orphans everything derived
// under it.
const (
	SubKeyDomain  = "noteguard-subkey-v1"
	StorageDomain = "noteguard-storage-v1"
	SearchDomain  = "noteguard-search-v1"
)

// ikmSeparator splits the password from the fingerprint digest in the
// input keying material, so "ab"+"c" and "a"+"bc" derive different keys.
const ikmSeparator = 0x1f

// Errors
var (
	ErrEmptyPassword     = errors.New("kdf: empty password")
	ErrEmptySalt         = errors.New("kdf: empty salt")
	ErrWeakIterations    = errors.New("kdf: pbkdf2 iterations below minimum")
	ErrInvalidLength     = errors.New("kdf: requested length must be positive")
	ErrLengthTooLong     = errors.New("kdf: requested length exceeds 255 hkdf blocks")
	ErrMalformedVerifier = errors.New("kdf: malformed verifier string")
)

// Tier selects a cost preset for the memory-hard derivation.
type Tier string

const (
	// TierMobile targets constrained CPUs: Argon2id t=3, m=256 MiB, p=4
	// (the libsodium MODERATE profile).
	TierMobile Tier = "mobile"

	// TierDesktop targets workstations: Argon2id t=4, m=1 GiB, p=4
	// (the libsodium SENSITIVE profile).
	TierDesktop Tier = "desktop"
)

// DefaultTier picks the preset for the current platform.
func DefaultTier() Tier {
	switch runtime.GOOS {
	case "android", "ios":
		return TierMobile
	default:
		return TierDesktop
	}
}

// ParseTier resolves a configuration value to a Tier. The empty string
// and "auto" both select the platform default.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "", "auto":
		return DefaultTier(), nil
	case string(TierMobile):
		return TierMobile, nil
	case string(TierDesktop):
		return TierDesktop, nil
	default:
		return "", fmt.Errorf("kdf: unknown tier %q", s)
	}
}

// Params holds the cost parameters for master-key derivation. Zero-value
// cost fields inherit the tier preset; explicit values override it, so a
// tier is a starting point rather than a straitjacket.
type Params struct {
	Tier             Tier   `json:"tier"`
	Time             uint32 `json:"time"`
	MemoryKiB        uint32 `json:"memory_kib"`
	Threads          uint8  `json:"threads"`
	PBKDF2Iterations int    `json:"pbkdf2_iterations,omitempty"`
}

// ParamsForTier returns the preset cost parameters for a tier.
func ParamsForTier(t Tier) Params {
	switch t {
	case TierMobile:
		return Params{Tier: TierMobile, Time: 3, MemoryKiB: 256 * 1024, Threads: 4, PBKDF2Iterations: DefaultPBKDF2Iterations}
	default:
		return Params{Tier: TierDesktop, Time: 4, MemoryKiB: 1024 * 1024, Threads: 4, PBKDF2Iterations: DefaultPBKDF2Iterations}
	}
}

// withDefaults fills zero-value cost fields from the tier preset.
func (p Params) withDefaults() Params {
	preset := ParamsForTier(p.Tier)
	if p.Tier == "" {
		p.Tier = preset.Tier
	}
	if p.Time == 0 {
		p.Time = preset.Time
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = preset.MemoryKiB
	}
	if p.Threads == 0 {
		p.Threads = preset.Threads
	}
	if p.PBKDF2Iterations == 0 {
		p.PBKDF2Iterations = preset.PBKDF2Iterations
	}
	return p
}

// buildIKM concatenates password and fingerprint digest with a separator
// byte. Caller wipes the result.
func buildIKM(password, fpDigest []byte) []byte {
	ikm := make([]byte, 0, len(password)+1+len(fpDigest))
	ikm = append(ikm, password...)
	ikm = append(ikm, ikmSeparator)
	ikm = append(ikm, fpDigest...)
	return ikm
}

// GenerateSalt returns a fresh random salt for enrollment.
func GenerateSalt() ([]byte, error) {
	return security.GenerateKey(SaltSize)
}

// DeriveMasterKey derives the 32-byte master key with Argon2id over
// password || 0x1f || fingerprintDigest. Deterministic for fixed inputs
// and parameters. Caller owns and wipes the returned key.
func DeriveMasterKey(password, fpDigest, salt []byte, params Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if len(salt) == 0 {
		return nil, ErrEmptySalt
	}
	p := params.withDefaults()

	ikm := buildIKM(password, fpDigest)
	defer security.Wipe(ikm)

	return argon2.IDKey(ikm, salt, p.Time, p.MemoryKiB, p.Threads, MasterKeySize), nil
}

// DeriveMasterKeyPBKDF2 is the legacy derivation path for credentials
// enrolled before the Argon2id migration. New enrollments never use it.
func DeriveMasterKeyPBKDF2(password, fpDigest, salt []byte, iterations int) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if len(salt) == 0 {
		return nil, ErrEmptySalt
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("%w: %d < %d", ErrWeakIterations, iterations, MinPBKDF2Iterations)
	}

	ikm := buildIKM(password, fpDigest)
	defer security.Wipe(ikm)

	return pbkdf2.Key(ikm, salt, iterations, MasterKeySize, sha256.New), nil
}

// Extract computes the RFC 5869 extract step: HMAC-SHA256 keyed by the
// salt over the input keying material. An empty salt means the all-zero
// hash-length key, per the RFC.
func Extract(salt, ikm []byte) []byte {
	if len(salt) == 0 {
		salt = make([]byte, sha256.Size)
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// Expand computes the RFC 5869 expand step: chained HMAC blocks
// T(i) = HMAC(prk, T(i-1) || info || i) with a 1-based single-byte
// counter, truncated to the requested length. Lengths needing more than
// 255 blocks fail with ErrLengthTooLong before any output is produced.
func Expand(prk, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	blocks := (length + sha256.Size - 1) / sha256.Size
	if blocks > maxExpandBlocks {
		return nil, fmt.Errorf("%w: need %d", ErrLengthTooLong, blocks)
	}

	out := make([]byte, 0, blocks*sha256.Size)
	var prev []byte
	for counter := 1; counter <= blocks; counter++ {
		mac := hmac.New(sha256.New, prk)
		mac.Write(prev)
		mac.Write(info)
		mac.Write([]byte{byte(counter)})
		prev = mac.Sum(nil)
		out = append(out, prev...)
	}

	security.Wipe(out[length:])
	return out[:length:length], nil
}

// DeriveSubKey derives a purpose-bound sub-key from the master key:
// Extract with zero salt, then Expand under the context string. The
// stream implementation comes from x/crypto/hkdf; the length limit is
// checked up front so the caller sees ErrLengthTooLong instead of a
// short read.
func DeriveSubKey(master []byte, context string, length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	if (length+sha256.Size-1)/sha256.Size > maxExpandBlocks {
		return nil, fmt.Errorf("%w: need %d", ErrLengthTooLong, (length+sha256.Size-1)/sha256.Size)
	}

	r := hkdf.New(sha256.New, master, nil, []byte(context))

	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("sub-key expand failed: %w", err)
	}
	return out, nil
}
