package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/config"
	"noteguard/internal/logging"
	"noteguard/internal/security"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "test",
	})
	require.NoError(t, err)
	return logger
}

// fakeProvider drives the Vault state machine without touching disk or
// hardware. Real wrap crypto is reused so AAD binding behaves like the
// shipping providers.
type fakeProvider struct {
	mu          sync.Mutex
	secure      bool
	keys        map[string][]byte
	generated   int
	wrapCalls   int
	unwrapCalls int
	deleted     []string

	unwrapErrOnce error
	wrapErrOnce   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{secure: true, keys: make(map[string][]byte)}
}

func (f *fakeProvider) Kind() ProviderKind { return KindSoftware }
func (f *fakeProvider) Available() bool    { return true }

func (f *fakeProvider) DeviceSecure(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secure, nil
}

func (f *fakeProvider) setSecure(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secure = v
}

func (f *fakeProvider) GenerateKey(_ context.Context, alias string, _ KeyPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[alias]; ok {
		return nil
	}
	root, err := security.GenerateKey(rootSecretSize)
	if err != nil {
		return err
	}
	f.keys[alias] = root
	f.generated++
	return nil
}

func (f *fakeProvider) Wrap(_ context.Context, alias string, plaintext []byte) (*WrappedSecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrapCalls++
	if err := f.wrapErrOnce; err != nil {
		f.wrapErrOnce = nil
		return nil, err
	}
	root, ok := f.keys[alias]
	if !ok {
		return nil, ErrNoKey
	}
	return wrapWithRoot(root, alias, plaintext)
}

func (f *fakeProvider) Unwrap(_ context.Context, alias string, secret *WrappedSecret) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwrapCalls++
	if err := f.unwrapErrOnce; err != nil {
		f.unwrapErrOnce = nil
		return nil, err
	}
	root, ok := f.keys[alias]
	if !ok {
		return nil, ErrNoKey
	}
	return unwrapWithRoot(root, alias, secret)
}

func (f *fakeProvider) HMAC(_ context.Context, alias string, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.keys[alias]
	if !ok {
		return nil, ErrNoKey
	}
	return hmacWithRoot(root, data)
}

func (f *fakeProvider) AttestationChain(_ context.Context, alias string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[alias]; !ok {
		return nil, ErrNoKey
	}
	return [][]byte{[]byte("leaf")}, nil
}

func (f *fakeProvider) DeleteKey(_ context.Context, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, alias)
	f.deleted = append(f.deleted, alias)
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func newTestVault(t *testing.T, f *fakeProvider, cfg config.VaultConfig) *Vault {
	t.Helper()
	return New(f, cfg, newTestLogger(t))
}

func TestVaultWrapUnwrapRoundTrip(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	plaintext := []byte("master key material")
	secret, err := v.Wrap(ctx, "notes-master", plaintext)
	require.NoError(t, err)
	require.Equal(t, WrapVersion, secret.Version)
	require.Equal(t, "notes-master", secret.Alias)

	got, err := v.Unwrap(ctx, "notes-master", secret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestVaultAutoGeneratesOnWrap(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})

	require.Equal(t, StateNotPresent, v.StateOf("fresh"))

	_, err := v.Wrap(context.Background(), "fresh", []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.generated)
	assert.Equal(t, StatePresent, v.StateOf("fresh"))

	// A second wrap reuses the key.
	_, err = v.Wrap(context.Background(), "fresh", []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.generated)
}

func TestVaultDeviceNotSecure(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	// Enroll while the device is secure, then lock it down.
	secret, err := v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)

	f.setSecure(false)

	_, err = v.Wrap(ctx, "k", []byte("data"))
	assert.ErrorIs(t, err, ErrDeviceNotSecure)

	_, err = v.Unwrap(ctx, "k", secret)
	assert.ErrorIs(t, err, ErrDeviceNotSecure)

	err = v.EnsureKey(ctx, "k2")
	assert.ErrorIs(t, err, ErrDeviceNotSecure)

	// Attestation is public material and stays readable.
	_, err = v.AttestationChain(ctx, "k")
	assert.NoError(t, err)
}

func TestVaultAssumeDeviceSecureOverride(t *testing.T) {
	f := newFakeProvider()
	f.setSecure(false)
	v := newTestVault(t, f, config.VaultConfig{AssumeDeviceSecure: true})

	_, err := v.Wrap(context.Background(), "headless", []byte("data"))
	assert.NoError(t, err)
}

func TestVaultInvalidationDeleteThenFail(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	secret, err := v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)

	f.unwrapErrOnce = ErrKeyInvalidated

	_, err = v.Unwrap(ctx, "k", secret)
	require.ErrorIs(t, err, ErrKeyInvalidated)

	// Delete-then-fail: the provider entry was removed before the
	// error surfaced.
	assert.Contains(t, f.deleted, "k")
	assert.Equal(t, StateInvalidated, v.StateOf("k"))

	// Subsequent use reports ErrNoKey without consulting the provider.
	calls := f.unwrapCalls
	_, err = v.Unwrap(ctx, "k", secret)
	assert.ErrorIs(t, err, ErrNoKey)
	assert.Equal(t, calls, f.unwrapCalls)

	_, err = v.Wrap(ctx, "k", []byte("data"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = v.HMAC(ctx, "k", []byte("data"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = v.AttestationChain(ctx, "k")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestVaultReEnrollAfterInvalidation(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	_, err := v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)

	f.wrapErrOnce = ErrKeyInvalidated
	_, err = v.Wrap(ctx, "k", []byte("data"))
	require.ErrorIs(t, err, ErrKeyInvalidated)
	require.Equal(t, StateInvalidated, v.StateOf("k"))

	// EnsureKey is the explicit re-enrollment path.
	require.NoError(t, v.EnsureKey(ctx, "k"))
	assert.Equal(t, StatePresent, v.StateOf("k"))

	secret, err := v.Wrap(ctx, "k", []byte("fresh"))
	require.NoError(t, err)
	got, err := v.Unwrap(ctx, "k", secret)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestVaultAuthValidityWindow(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{RequireAuth: true, AuthValiditySec: 30})
	ctx := context.Background()

	base := time.Now()
	v.now = func() time.Time { return base }

	// Key generation itself is not gated, use is.
	_, err := v.Wrap(ctx, "k", []byte("data"))
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, StatePresent, v.StateOf("k"))

	v.Authorize()
	secret, err := v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)

	// Still inside the window.
	v.now = func() time.Time { return base.Add(29 * time.Second) }
	_, err = v.Unwrap(ctx, "k", secret)
	require.NoError(t, err)

	// Window expired.
	v.now = func() time.Time { return base.Add(31 * time.Second) }
	_, err = v.Unwrap(ctx, "k", secret)
	require.ErrorIs(t, err, ErrAuthRequired)

	v.Authorize()
	_, err = v.Unwrap(ctx, "k", secret)
	assert.NoError(t, err)
}

func TestVaultPerOperationAuth(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{RequireAuth: true, AuthValiditySec: 0})
	ctx := context.Background()

	v.Authorize()
	_, err := v.Wrap(ctx, "k", []byte("one"))
	require.NoError(t, err)

	// The single authorization was consumed.
	_, err = v.Wrap(ctx, "k", []byte("two"))
	require.ErrorIs(t, err, ErrAuthRequired)

	v.Authorize()
	_, err = v.Wrap(ctx, "k", []byte("two"))
	assert.NoError(t, err)
}

func TestVaultUnwrapAliasMismatch(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	secret, err := v.Wrap(ctx, "a", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, v.EnsureKey(ctx, "b"))

	// The declared alias mismatches before any crypto runs.
	_, err = v.Unwrap(ctx, "b", secret)
	require.ErrorIs(t, err, ErrUnwrapFailed)

	// Relabeling the secret does not help: the alias is bound as AAD.
	relabeled := *secret
	relabeled.Alias = "b"
	_, err = v.Unwrap(ctx, "b", &relabeled)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestVaultMalformedSecret(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	_, err := v.Unwrap(ctx, "k", nil)
	assert.ErrorIs(t, err, ErrMalformedSecret)

	_, err = v.Unwrap(ctx, "k", &WrappedSecret{Version: 9, Nonce: make([]byte, wrapNonceSize), Ciphertext: make([]byte, 32)})
	assert.ErrorIs(t, err, ErrMalformedSecret)

	_, err = v.Unwrap(ctx, "k", &WrappedSecret{Version: WrapVersion, Nonce: []byte{1, 2}, Ciphertext: make([]byte, 32)})
	assert.ErrorIs(t, err, ErrMalformedSecret)
}

func TestVaultDeleteResetsLifecycle(t *testing.T) {
	f := newFakeProvider()
	v := newTestVault(t, f, config.VaultConfig{})
	ctx := context.Background()

	_, err := v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, v.DeleteKey(ctx, "k"))
	require.NoError(t, v.DeleteKey(ctx, "k"))
	assert.Equal(t, StateNotPresent, v.StateOf("k"))

	// A new wrap enrolls from scratch.
	_, err = v.Wrap(ctx, "k", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.generated)
}

func TestDetectRejectsUnknownProvider(t *testing.T) {
	_, err := Detect(config.VaultConfig{Provider: "enclave"}, newTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestKeyStateString(t *testing.T) {
	assert.Equal(t, "not-present", StateNotPresent.String())
	assert.Equal(t, "generating", StateGenerating.String())
	assert.Equal(t, "present", StatePresent.String())
	assert.Equal(t, "invalidated", StateInvalidated.String())
}
