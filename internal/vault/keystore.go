package vault

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"noteguard/internal/security"
)

// keystoreVersion is the on-disk keystore format version.
const keystoreVersion = 1

// maxKeystoreSize bounds keystore reads. Entries are small; anything
// near this limit is corruption.
const maxKeystoreSize = 1 << 20

var errKeystoreProvider = errors.New("vault: keystore belongs to a different provider")

// keystoreFile is the persisted CBOR document. Blob holds the alias
// root secret in provider-specific protected form: KEK-wrapped for the
// software provider, TPM-sealed for the hardware provider.
type keystoreFile struct {
	Version    int                      `cbor:"version"`
	Provider   string                   `cbor:"provider"`
	Generation uint64                   `cbor:"generation"`
	AttestKey  []byte                   `cbor:"attest_key,omitempty"`
	AttestCert []byte                   `cbor:"attest_cert,omitempty"`
	Entries    map[string]keystoreEntry `cbor:"entries"`
}

type keystoreEntry struct {
	Blob                []byte    `cbor:"blob"`
	Generation          uint64    `cbor:"generation"`
	RequireAuth         bool      `cbor:"require_auth"`
	AuthValiditySeconds int       `cbor:"auth_validity_seconds"`
	CreatedAt           time.Time `cbor:"created_at"`
}

// keystore wraps the CBOR file with load/save plumbing. Callers hold
// their provider mutex; the keystore itself is not locked.
type keystore struct {
	path string
	file keystoreFile
}

// openKeystore loads the keystore at path, creating an empty one owned
// by provider when the file does not exist.
func openKeystore(path, provider string) (*keystore, error) {
	ks := &keystore{path: path}

	data, err := security.ReadSecretFile(path, maxKeystoreSize)
	switch {
	case err == nil:
		if err := cbor.Unmarshal(data, &ks.file); err != nil {
			return nil, fmt.Errorf("vault: decode keystore %s: %w", path, err)
		}
		if ks.file.Version != keystoreVersion {
			return nil, fmt.Errorf("vault: keystore %s has unsupported version %d", path, ks.file.Version)
		}
		if ks.file.Provider != provider {
			return nil, fmt.Errorf("%w: found %q, want %q", errKeystoreProvider, ks.file.Provider, provider)
		}
		if ks.file.Entries == nil {
			ks.file.Entries = make(map[string]keystoreEntry)
		}
		return ks, nil

	case os.IsNotExist(err):
		ks.file = keystoreFile{
			Version:    keystoreVersion,
			Provider:   provider,
			Generation: 1,
			Entries:    make(map[string]keystoreEntry),
		}
		return ks, nil

	default:
		return nil, fmt.Errorf("vault: read keystore %s: %w", path, err)
	}
}

// save persists the keystore atomically with owner-only permissions.
func (k *keystore) save() error {
	data, err := cbor.Marshal(k.file)
	if err != nil {
		return fmt.Errorf("vault: encode keystore: %w", err)
	}
	if err := security.WriteSecretFile(k.path, data); err != nil {
		return fmt.Errorf("vault: write keystore: %w", err)
	}
	return nil
}

func (k *keystore) entry(alias string) (keystoreEntry, bool) {
	e, ok := k.file.Entries[alias]
	return e, ok
}

func (k *keystore) put(alias string, e keystoreEntry) {
	k.file.Entries[alias] = e
}

// remove deletes alias and reports whether it was present.
func (k *keystore) remove(alias string) bool {
	if _, ok := k.file.Entries[alias]; !ok {
		return false
	}
	delete(k.file.Entries, alias)
	return true
}

// bumpGeneration marks every existing entry stale, the way a credential
// enrollment change destroys platform keystore keys.
func (k *keystore) bumpGeneration() {
	k.file.Generation++
}
