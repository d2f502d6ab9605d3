package integrity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdictDoc(verdict string) []byte {
	return []byte(fmt.Sprintf(
		`{"verdict":%q,"issued_at":"2026-08-25T10:00:00Z","source":"attestation-service"}`,
		verdict,
	))
}

func TestPushPassVerdict(t *testing.T) {
	cache := NewVerdictCache(time.Hour)

	require.NoError(t, cache.Push(verdictDoc("pass")))

	ok, valid := cache.Current()
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestPushFailVerdict(t *testing.T) {
	cache := NewVerdictCache(time.Hour)

	require.NoError(t, cache.Push(verdictDoc("fail")))

	ok, valid := cache.Current()
	assert.True(t, valid)
	assert.False(t, ok)
}

func TestPushInvalidDocuments(t *testing.T) {
	cases := map[string][]byte{
		"not json":          []byte("not json at all"),
		"missing verdict":   []byte(`{"issued_at":"2026-08-25T10:00:00Z","source":"svc"}`),
		"unknown verdict":   []byte(`{"verdict":"maybe","issued_at":"2026-08-25T10:00:00Z","source":"svc"}`),
		"missing source":    []byte(`{"verdict":"pass","issued_at":"2026-08-25T10:00:00Z"}`),
		"empty source":      []byte(`{"verdict":"pass","issued_at":"2026-08-25T10:00:00Z","source":""}`),
		"missing issued_at": []byte(`{"verdict":"pass","source":"svc"}`),
		"bad issued_at":     []byte(`{"verdict":"pass","issued_at":"yesterday","source":"svc"}`),
		"wrong type":        []byte(`["pass"]`),
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cache := NewVerdictCache(time.Hour)
			require.NoError(t, cache.Push(verdictDoc("fail")))

			err := cache.Push(doc)
			assert.ErrorIs(t, err, ErrInvalidVerdict)

			// The earlier verdict must survive a rejected push.
			ok, valid := cache.Current()
			assert.True(t, valid)
			assert.False(t, ok)
		})
	}
}

func TestVerdictExpiry(t *testing.T) {
	cache := NewVerdictCache(24 * time.Hour)
	base := time.Now()
	cache.now = func() time.Time { return base }

	require.NoError(t, cache.Push(verdictDoc("pass")))

	cache.now = func() time.Time { return base.Add(23 * time.Hour) }
	_, valid := cache.Current()
	assert.True(t, valid)

	cache.now = func() time.Time { return base.Add(24*time.Hour + time.Second) }
	_, valid = cache.Current()
	assert.False(t, valid, "verdict must not outlive its ttl")
}

func TestVerdictSnapshotRestore(t *testing.T) {
	cache := NewVerdictCache(time.Hour)
	require.NoError(t, cache.Push(verdictDoc("fail")))

	snap, live := cache.Snapshot()
	require.True(t, live)
	assert.False(t, snap.OK)
	assert.NotEmpty(t, snap.Raw)

	restored := NewVerdictCache(time.Hour)
	restored.Restore(snap)
	ok, valid := restored.Current()
	assert.True(t, valid)
	assert.False(t, ok)
}

func TestVerdictRestoreDropsExpired(t *testing.T) {
	restored := NewVerdictCache(time.Hour)
	restored.Restore(Snapshot{OK: true, ExpiresAt: time.Now().Add(-time.Minute)})

	_, valid := restored.Current()
	assert.False(t, valid)
}

func TestVerdictSnapshotEmpty(t *testing.T) {
	cache := NewVerdictCache(time.Hour)
	_, live := cache.Snapshot()
	assert.False(t, live)
}

func TestVerdictClear(t *testing.T) {
	cache := NewVerdictCache(time.Hour)
	cache.PushResult(true)

	cache.Clear()
	_, valid := cache.Current()
	assert.False(t, valid)
}

func TestDefaultTTL(t *testing.T) {
	cache := NewVerdictCache(0)
	assert.Equal(t, DefaultVerdictTTL, cache.ttl)
}
