// Package aead implements the versioned encrypted blob format for
// noteguard payloads.
//
// Wire layout: version(1) || nonce || ciphertext+tag. Version 2 is
// XChaCha20-Poly1305 with a 24-byte nonce and is used for all new
// encryptions; version 1 is AES-256-GCM with a 12-byte nonce and
// survives for decrypting blobs written before the cipher migration.
// Neither version uses additional authenticated data.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Blob versions.
const (
	VersionAESGCM    byte = 1
	VersionXChaCha20 byte = 2
)

// Sizes.
const (
	// KeySize is required of every encryption key.
	KeySize = 32

	// NonceSizeGCM is the AES-GCM nonce length (version 1).
	NonceSizeGCM = 12

	// NonceSizeXChaCha20 is the XChaCha20-Poly1305 nonce length (version 2).
	NonceSizeXChaCha20 = chacha20poly1305.NonceSizeX

	// tagSize is the Poly1305/GCM authentication tag length.
	tagSize = 16
)

// Errors
var (
	ErrAuthenticationFailed = errors.New("aead: authentication failed")
	ErrInvalidKeySize       = errors.New("aead: key must be 32 bytes")
	ErrUnknownVersion       = errors.New("aead: unknown blob version")
	ErrTruncatedBlob        = errors.New("aead: truncated blob")
)

// Blob is one encrypted payload. Nonce and Ciphertext lengths are
// dictated by Version.
type Blob struct {
	Version    byte
	Nonce      []byte
	Ciphertext []byte
}

// Encode serializes the blob to its binary wire form.
func (b *Blob) Encode() []byte {
	out := make([]byte, 0, 1+len(b.Nonce)+len(b.Ciphertext))
	out = append(out, b.Version)
	out = append(out, b.Nonce...)
	out = append(out, b.Ciphertext...)
	return out
}

// EncodeBase64 serializes the blob for text transport.
func (b *Blob) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(b.Encode())
}

// Decode parses the binary wire form. The nonce length is implied by the
// version byte; anything shorter than version, nonce and tag is rejected
// as truncated before any cipher work happens.
func Decode(data []byte) (*Blob, error) {
	if len(data) < 1 {
		return nil, ErrTruncatedBlob
	}

	version := data[0]
	nonceSize, err := nonceSizeFor(version)
	if err != nil {
		return nil, err
	}
	if len(data) < 1+nonceSize+tagSize {
		return nil, ErrTruncatedBlob
	}

	return &Blob{
		Version:    version,
		Nonce:      append([]byte(nil), data[1:1+nonceSize]...),
		Ciphertext: append([]byte(nil), data[1+nonceSize:]...),
	}, nil
}

// DecodeBase64 parses the text transport form.
func DecodeBase64(s string) (*Blob, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedBlob, err)
	}
	return Decode(data)
}

// Encrypt seals plaintext under the current blob version with a fresh
// random nonce.
func Encrypt(plaintext, key []byte) (*Blob, error) {
	return EncryptVersion(plaintext, key, VersionXChaCha20)
}

// EncryptVersion seals plaintext under an explicit blob version. Version
// 1 exists for interoperability tests and forced-legacy writes; regular
// callers use Encrypt.
func EncryptVersion(plaintext, key []byte, version byte) (*Blob, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := cipherFor(version, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return &Blob{
		Version:    version,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a blob. Tag mismatch, wrong key, wrong nonce length and
// truncation all surface as ErrAuthenticationFailed; the underlying
// cipher error is deliberately not wrapped so nothing about the failure
// mode leaks to callers.
func Decrypt(blob *Blob, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := cipherFor(blob.Version, key)
	if err != nil {
		return nil, err
	}
	if len(blob.Nonce) != aead.NonceSize() || len(blob.Ciphertext) < tagSize {
		return nil, ErrAuthenticationFailed
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptToString is Encrypt plus base64 transport encoding.
func EncryptToString(plaintext, key []byte) (string, error) {
	blob, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return blob.EncodeBase64(), nil
}

// DecryptFromString is base64 transport decoding plus Decrypt.
func DecryptFromString(s string, key []byte) ([]byte, error) {
	blob, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return Decrypt(blob, key)
}

func nonceSizeFor(version byte) (int, error) {
	switch version {
	case VersionXChaCha20:
		return NonceSizeXChaCha20, nil
	case VersionAESGCM:
		return NonceSizeGCM, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}

func cipherFor(version byte, key []byte) (cipher.AEAD, error) {
	switch version {
	case VersionXChaCha20:
		return chacha20poly1305.NewX(key)
	case VersionAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}
