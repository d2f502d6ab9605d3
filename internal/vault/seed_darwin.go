//go:build darwin && cgo

package vault

import (
	"fmt"

	keychain "github.com/keybase/go-keychain"

	"noteguard/internal/security"
)

const (
	keychainService = "dev.noteguard.vault"
	keychainAccount = "keystore-seed-v1"
	keychainLabel   = "noteguard keystore seed"
)

// loadSeed keeps the keystore seed in the login keychain: device-local,
// never synchronized, readable only while the session is unlocked. The
// configured seed path is ignored on macOS.
func loadSeed(_ string) ([]byte, error) {
	data, err := keychain.GetGenericPassword(keychainService, keychainAccount, "", "")
	if err != nil {
		return nil, fmt.Errorf("vault: read seed from keychain: %w", err)
	}
	if len(data) == seedSize {
		return data, nil
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("vault: keychain seed holds %d bytes, want %d", len(data), seedSize)
	}

	seed, err := security.GenerateKey(seedSize)
	if err != nil {
		return nil, fmt.Errorf("vault: generate seed: %w", err)
	}

	item := keychain.NewGenericPassword(keychainService, keychainAccount, keychainLabel, seed, "")
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)

	if err := keychain.AddItem(item); err != nil {
		if err == keychain.ErrorDuplicateItem {
			// Another process enrolled first; use its seed.
			security.Wipe(seed)
			data, rerr := keychain.GetGenericPassword(keychainService, keychainAccount, "", "")
			if rerr != nil {
				return nil, fmt.Errorf("vault: re-read seed from keychain: %w", rerr)
			}
			return data, nil
		}
		return nil, fmt.Errorf("vault: store seed in keychain: %w", err)
	}
	return seed, nil
}
