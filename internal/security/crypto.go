package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy available")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
	ErrWeakKey             = errors.New("security: key material failed strength check")
)

const (
	// MinKeySize is the smallest key length accepted anywhere in the
	// key hierarchy.
	MinKeySize = 16

	// KeySize is the working key length for all symmetric material.
	KeySize = 32
)

// GenerateSecureRandom fills buf from the system CSPRNG.
func GenerateSecureRandom(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return nil
}

// GenerateKey returns size random bytes suitable for use as key material.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: %d below minimum %d", ErrInvalidKeySize, size, MinKeySize)
	}

	key := make([]byte, size)
	if err := GenerateSecureRandom(key); err != nil {
		return nil, err
	}

	if err := ValidateKeyStrength(key); err != nil {
		Wipe(key)
		return nil, err
	}

	return key, nil
}

// ValidateKeyStrength rejects key material that is too short, all zero,
// or a single repeated byte. It catches wiring mistakes (a wiped buffer
// used as a key), not weak randomness.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
	}

	allZero := true
	repeating := true
	for i, b := range key {
		if b != 0 {
			allZero = false
		}
		if i > 0 && b != key[0] {
			repeating = false
		}
	}

	if allZero {
		return fmt.Errorf("%w: all zero", ErrWeakKey)
	}
	if repeating {
		return fmt.Errorf("%w: repeating byte pattern", ErrWeakKey)
	}

	return nil
}

// HashDomainSeparated computes SHA-256 over data with a length-prefixed
// domain label, so the same bytes hashed under different labels can never
// collide.
func HashDomainSeparated(domain string, data []byte) [sha256.Size]byte {
	h := sha256.New()

	var dlen [4]byte
	binary.BigEndian.PutUint32(dlen[:], uint32(len(domain)))
	h.Write(dlen[:])
	h.Write([]byte(domain))
	h.Write(data)

	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
