package vault

import (
	"context"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/config"
)

func newSoftwareTestConfig(t *testing.T) config.VaultConfig {
	t.Helper()
	dir := t.TempDir()
	return config.VaultConfig{
		Provider:     "software",
		KeystorePath: filepath.Join(dir, "keystore.cbor"),
		SeedPath:     filepath.Join(dir, "vault_seed"),
	}
}

func newSoftwareTestProvider(t *testing.T) (*SoftwareProvider, config.VaultConfig) {
	t.Helper()
	cfg := newSoftwareTestConfig(t)
	p, err := NewSoftwareProvider(cfg, newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, cfg
}

func TestSoftwareWrapUnwrapRoundTrip(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))

	for _, size := range []int{1, 64, 4096} {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i)
		}
		secret, err := p.Wrap(ctx, "k", plaintext)
		require.NoError(t, err)
		assert.Equal(t, WrapVersion, secret.Version)
		assert.Equal(t, "k", secret.Alias)
		assert.NotEqual(t, plaintext, secret.Ciphertext)

		got, err := p.Unwrap(ctx, "k", secret)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestSoftwareWrapRequiresKey(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)

	_, err := p.Wrap(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = p.HMAC(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSoftwareUnwrapAliasSeparation(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "a", KeyPolicy{}))
	require.NoError(t, p.GenerateKey(ctx, "b", KeyPolicy{}))

	secret, err := p.Wrap(ctx, "a", []byte("bound to a"))
	require.NoError(t, err)

	_, err = p.Unwrap(ctx, "b", secret)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestSoftwareKeystorePersistence(t *testing.T) {
	cfg := newSoftwareTestConfig(t)
	logger := newTestLogger(t)
	ctx := context.Background()

	p1, err := NewSoftwareProvider(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, p1.GenerateKey(ctx, "k", KeyPolicy{}))

	secret, err := p1.Wrap(ctx, "k", []byte("survives restart"))
	require.NoError(t, err)
	tag1, err := p1.HMAC(ctx, "k", []byte("probe"))
	require.NoError(t, err)
	require.NoError(t, p1.Close())

	p2, err := NewSoftwareProvider(cfg, logger)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.Unwrap(ctx, "k", secret)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), got)

	tag2, err := p2.HMAC(ctx, "k", []byte("probe"))
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2)
}

func TestSoftwareEnrollmentChangeInvalidates(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))
	secret, err := p.Wrap(ctx, "k", []byte("pre-change"))
	require.NoError(t, err)

	require.NoError(t, p.SimulateEnrollmentChange())

	// First touch after the change destroys the entry and reports it.
	_, err = p.Wrap(ctx, "k", []byte("post-change"))
	require.ErrorIs(t, err, ErrKeyInvalidated)

	// The entry is gone now.
	_, err = p.Wrap(ctx, "k", []byte("post-change"))
	require.ErrorIs(t, err, ErrNoKey)

	// Re-enrollment mints a fresh root: old secrets stay dead.
	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))
	_, err = p.Unwrap(ctx, "k", secret)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestSoftwareHMACProperties(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "a", KeyPolicy{}))
	require.NoError(t, p.GenerateKey(ctx, "b", KeyPolicy{}))

	t1, err := p.HMAC(ctx, "a", []byte("data"))
	require.NoError(t, err)
	assert.Len(t, t1, 32)

	t2, err := p.HMAC(ctx, "a", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	t3, err := p.HMAC(ctx, "a", []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3)

	t4, err := p.HMAC(ctx, "b", []byte("data"))
	require.NoError(t, err)
	assert.NotEqual(t, t1, t4)
}

func TestSoftwareAttestationChain(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	_, err := p.AttestationChain(ctx, "never-generated")
	require.ErrorIs(t, err, ErrNoKey)

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))

	chain, err := p.AttestationChain(ctx, "k")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.NoError(t, VerifyChain(chain))

	leaf, err := x509.ParseCertificate(chain[0])
	require.NoError(t, err)
	assert.Equal(t, "k", leaf.Subject.CommonName)

	root, err := x509.ParseCertificate(chain[1])
	require.NoError(t, err)
	assert.True(t, root.IsCA)
	assert.Contains(t, root.Subject.OrganizationalUnit, "software-keystore")

	// Leaf and root swapped breaks the signature walk.
	assert.Error(t, VerifyChain([][]byte{chain[1], chain[0]}))

	// Chains are minted per call, never cached.
	again, err := p.AttestationChain(ctx, "k")
	require.NoError(t, err)
	assert.NotEqual(t, chain[0], again[0])
	assert.Equal(t, chain[1], again[1])
}

func TestSoftwareDeleteKey(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))
	require.NoError(t, p.DeleteKey(ctx, "k"))
	require.NoError(t, p.DeleteKey(ctx, "k"))

	_, err := p.Wrap(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSoftwareGenerateKeepsExistingKey(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))
	secret, err := p.Wrap(ctx, "k", []byte("original"))
	require.NoError(t, err)

	require.NoError(t, p.GenerateKey(ctx, "k", KeyPolicy{}))

	got, err := p.Unwrap(ctx, "k", secret)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestSoftwareSeedFile(t *testing.T) {
	_, cfg := newSoftwareTestProvider(t)

	fi, err := os.Stat(cfg.SeedPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.Equal(t, int64(seedSize), fi.Size())
}

func TestSoftwareKeystoreProviderTag(t *testing.T) {
	p, cfg := newSoftwareTestProvider(t)
	require.NoError(t, p.GenerateKey(context.Background(), "k", KeyPolicy{}))

	_, err := openKeystore(cfg.KeystorePath, string(KindHardware))
	assert.ErrorIs(t, err, errKeystoreProvider)
}

func TestSoftwareClosedProvider(t *testing.T) {
	p, _ := newSoftwareTestProvider(t)
	require.NoError(t, p.Close())

	err := p.GenerateKey(context.Background(), "k", KeyPolicy{})
	assert.ErrorIs(t, err, ErrProviderClosed)

	_, err = p.Wrap(context.Background(), "k", []byte("x"))
	assert.ErrorIs(t, err, ErrProviderClosed)
}
