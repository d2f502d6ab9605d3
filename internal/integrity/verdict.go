package integrity

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed verdict_schema.json
var verdictSchemaJSON string

var verdictSchema = jsonschema.MustCompileString("verdict-v1.schema.json", verdictSchemaJSON)

// DefaultVerdictTTL bounds how long a pushed verdict keeps contributing
// to the probe. Attestation services rate-limit, so the verdict is
// fetched out-of-band and cached rather than consulted per probe.
const DefaultVerdictTTL = 24 * time.Hour

// ErrInvalidVerdict rejects documents that fail schema validation. The
// cache is left untouched.
var ErrInvalidVerdict = errors.New("integrity: invalid verdict document")

// VerdictDocument is the parsed form of a remote attestation verdict.
type VerdictDocument struct {
	Verdict  string    `json:"verdict"`
	IssuedAt time.Time `json:"issued_at"`
	Source   string    `json:"source"`
	Nonce    string    `json:"nonce,omitempty"`
}

// Snapshot is the persistable view of the cache for restart survival.
type Snapshot struct {
	OK        bool
	Raw       []byte
	ExpiresAt time.Time
}

type verdictEntry struct {
	ok        bool
	raw       []byte
	expiresAt time.Time
}

// VerdictCache holds the single current remote attestation verdict with
// a bounded lifetime. Expired entries contribute nothing to the probe.
type VerdictCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	entry *verdictEntry
	now   func() time.Time
}

// NewVerdictCache creates a cache. A non-positive ttl selects
// DefaultVerdictTTL.
func NewVerdictCache(ttl time.Duration) *VerdictCache {
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	return &VerdictCache{ttl: ttl, now: time.Now}
}

// Push validates a verdict document against the embedded schema and, on
// success, replaces the cached entry. Invalid documents never touch the
// cache.
func (c *VerdictCache) Push(doc []byte) error {
	var instance any
	if err := json.Unmarshal(doc, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if err := verdictSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	var parsed VerdictDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &verdictEntry{
		ok:        parsed.Verdict == "pass",
		raw:       append([]byte(nil), doc...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// PushResult records a plain pass/fail verdict without a document.
func (c *VerdictCache) PushResult(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &verdictEntry{ok: ok, expiresAt: c.now().Add(c.ttl)}
}

// Current returns the cached verdict and whether it is still live. An
// empty or expired cache returns valid == false.
func (c *VerdictCache) Current() (ok, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil || c.now().After(c.entry.expiresAt) {
		return false, false
	}
	return c.entry.ok, true
}

// Snapshot exports the live entry for persistence. Returns false when
// there is nothing live to persist.
func (c *VerdictCache) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil || c.now().After(c.entry.expiresAt) {
		return Snapshot{}, false
	}
	return Snapshot{
		OK:        c.entry.ok,
		Raw:       append([]byte(nil), c.entry.raw...),
		ExpiresAt: c.entry.expiresAt,
	}, true
}

// Restore loads a persisted entry, typically at startup. Entries that
// expired while the process was down are dropped silently.
func (c *VerdictCache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().After(s.ExpiresAt) {
		return
	}
	c.entry = &verdictEntry{
		ok:        s.OK,
		raw:       append([]byte(nil), s.Raw...),
		expiresAt: s.ExpiresAt,
	}
}

// Clear drops the cached verdict.
func (c *VerdictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}
