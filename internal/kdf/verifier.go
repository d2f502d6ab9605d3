package kdf

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"noteguard/internal/security"
)

// HashPassword produces a self-describing verifier string in the PHC
// format: $argon2id$v=19$m=<KiB>,t=<passes>,p=<threads>$<salt>$<hash>.
// A fresh random salt is generated per call, so hashing the same
// password twice yields different verifiers.
func HashPassword(password []byte, params Params) (string, error) {
	if len(password) == 0 {
		return "", ErrEmptyPassword
	}
	p := params.withDefaults()

	salt, err := security.GenerateKey(SaltSize)
	if err != nil {
		return "", fmt.Errorf("salt generation failed: %w", err)
	}

	hash := argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, MasterKeySize)
	defer security.Wipe(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword recomputes the hash with the parameters embedded in the
// verifier and compares in constant time. A false result with nil error
// means the password did not match; an error means the verifier itself
// is unusable.
func VerifyPassword(password []byte, encoded string) (bool, error) {
	params, salt, hash, err := DecodeVerifier(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(hash)))
	defer security.Wipe(candidate)

	return security.ConstantTimeCompare(hash, candidate), nil
}

// DecodeVerifier parses a PHC verifier string into its parameters, salt
// and hash.
func DecodeVerifier(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Params{}, nil, nil, ErrMalformedVerifier
	}
	if parts[1] != "argon2id" {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported function %q", ErrMalformedVerifier, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedVerifier, err)
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedVerifier, version)
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedVerifier, err)
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedVerifier)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: bad salt encoding", ErrMalformedVerifier)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: bad hash encoding", ErrMalformedVerifier)
	}
	if len(hash) == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: empty hash", ErrMalformedVerifier)
	}

	return p, salt, hash, nil
}
