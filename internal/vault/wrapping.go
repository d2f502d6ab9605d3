package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"noteguard/internal/security"
)

// Every provider stores one 32-byte root secret per alias and derives
// single-purpose keys from it, so the wrap cipher and the HMAC primitive
// never share key material.
const (
	rootSecretSize = 32
	usageKeySize   = chacha20poly1305.KeySize

	wrapNonceSize = chacha20poly1305.NonceSizeX
	wrapTagSize   = 16

	usageWrap = "noteguard-vault-wrap-v1"
	usageHMAC = "noteguard-vault-hmac-v1"
	usageKEK  = "noteguard-vault-kek-v1"

	// AAD domains separate payload wraps from keystore-internal wraps.
	aadWrapPrefix     = "wrap:"
	aadKeystorePrefix = "keystore:"
)

// deriveUsageKey expands a root secret into one purpose-bound key.
func deriveUsageKey(root []byte, usage string) ([]byte, error) {
	key := make([]byte, usageKeySize)
	r := hkdf.New(sha256.New, root, nil, []byte(usage))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive %s key: %w", usage, err)
	}
	return key, nil
}

// sealSecret encrypts plaintext under key with aad bound into the tag.
func sealSecret(key []byte, aad string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: seal: %w", err)
	}
	nonce, err = security.GenerateKey(wrapNonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: seal nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, []byte(aad))
	return nonce, ciphertext, nil
}

// openSecret reverses sealSecret. Any tamper, including a different
// aad, collapses to ErrUnwrapFailed without detail.
func openSecret(key []byte, aad string, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	if len(nonce) != wrapNonceSize {
		return nil, ErrUnwrapFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return plaintext, nil
}

// wrapWithRoot performs the payload wrap every provider shares: derive
// the wrap key from the alias root, seal with the alias bound as AAD.
func wrapWithRoot(root []byte, alias string, plaintext []byte) (*WrappedSecret, error) {
	wrapKey, err := deriveUsageKey(root, usageWrap)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(wrapKey)

	nonce, ciphertext, err := sealSecret(wrapKey, aadWrapPrefix+alias, plaintext)
	if err != nil {
		return nil, err
	}
	return &WrappedSecret{
		Version:    WrapVersion,
		Alias:      alias,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// unwrapWithRoot reverses wrapWithRoot.
func unwrapWithRoot(root []byte, alias string, secret *WrappedSecret) ([]byte, error) {
	wrapKey, err := deriveUsageKey(root, usageWrap)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(wrapKey)

	return openSecret(wrapKey, aadWrapPrefix+alias, secret.Nonce, secret.Ciphertext)
}

// hmacWithRoot computes the alias HMAC-SHA256 tag from the root secret.
func hmacWithRoot(root []byte, data []byte) ([]byte, error) {
	macKey, err := deriveUsageKey(root, usageHMAC)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}
