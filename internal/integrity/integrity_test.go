package integrity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

// TestFlagValues pins the wire-compatible bit assignments.
func TestFlagValues(t *testing.T) {
	assert.Equal(t, Flags(0x01), FlagDebugger)
	assert.Equal(t, Flags(0x02), FlagSuBinary)
	assert.Equal(t, Flags(0x04), FlagHookFramework)
	assert.Equal(t, Flags(0x08), FlagRemoteVerdictFailed)
	assert.Equal(t, Flags(0x10), FlagSELinuxPermissive)
	assert.Equal(t, Flags(0x20), FlagSystemlessRoot)
	assert.Equal(t, Flags(0x40), FlagInjectionFramework)
}

func TestFlagsNames(t *testing.T) {
	assert.Equal(t, "clean", Flags(0).String())
	assert.Empty(t, Flags(0).Names())
	assert.Equal(t, 0, Flags(0).Count())

	f := FlagDebugger | FlagSystemlessRoot
	assert.Equal(t, []string{"debugger", "systemless_root"}, f.Names())
	assert.Equal(t, "debugger|systemless_root", f.String())
	assert.Equal(t, 2, f.Count())
	assert.True(t, f.Has(FlagDebugger))
	assert.False(t, f.Has(FlagSuBinary))
}

func TestProbeSuBinary(t *testing.T) {
	dir := t.TempDir()
	suPath := filepath.Join(dir, "su")

	p := NewProbe(ProbeConfig{ExtraSuPaths: []string{suPath}})
	assert.False(t, p.Run().Has(FlagSuBinary))

	touch(t, suPath)
	assert.True(t, p.Run().Has(FlagSuBinary))
}

func TestProbeHookFramework(t *testing.T) {
	dir := t.TempDir()
	fridaPath := filepath.Join(dir, "frida-server")

	p := NewProbe(ProbeConfig{ExtraHookPaths: []string{fridaPath}})
	assert.False(t, p.Run().Has(FlagHookFramework))

	touch(t, fridaPath)
	assert.True(t, p.Run().Has(FlagHookFramework))
}

func TestProbeChecksIndependent(t *testing.T) {
	dir := t.TempDir()
	suPath := filepath.Join(dir, "su")
	touch(t, suPath)

	// A finding in one check must not disturb the others.
	p := NewProbe(ProbeConfig{ExtraSuPaths: []string{suPath}})
	flags := p.Run()
	assert.True(t, flags.Has(FlagSuBinary))
	assert.False(t, flags.Has(FlagHookFramework))
	assert.False(t, flags.Has(FlagRemoteVerdictFailed))
}

func TestProbeRemoteVerdict(t *testing.T) {
	cache := NewVerdictCache(time.Hour)
	p := NewProbe(ProbeConfig{Verdicts: cache})

	// No verdict pushed: fail-open, bit unset.
	assert.False(t, p.Run().Has(FlagRemoteVerdictFailed))

	cache.PushResult(false)
	assert.True(t, p.Run().Has(FlagRemoteVerdictFailed))

	cache.PushResult(true)
	assert.False(t, p.Run().Has(FlagRemoteVerdictFailed))
}

func TestProbeExpiredVerdictContributesNothing(t *testing.T) {
	cache := NewVerdictCache(time.Hour)
	base := time.Now()
	cache.now = func() time.Time { return base }

	cache.PushResult(false)
	p := NewProbe(ProbeConfig{Verdicts: cache})
	assert.True(t, p.Run().Has(FlagRemoteVerdictFailed))

	cache.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	assert.False(t, p.Run().Has(FlagRemoteVerdictFailed))
}

func TestProbeNilVerdictCache(t *testing.T) {
	p := NewProbe(ProbeConfig{})
	assert.False(t, p.Run().Has(FlagRemoteVerdictFailed))
}
