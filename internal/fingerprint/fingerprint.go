// Package fingerprint collects stable device and environment
// characteristics and reduces them to a deterministic digest. The digest
// binds derived key material to a specific installation: stolen files or
// a stolen password alone are not enough to reconstruct the master key.
//
// Collection is best-effort. A characteristic that cannot be read is
// recorded with a marker value and collection continues; callers decide
// how much drift to tolerate.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"noteguard/internal/security"
)

// SchemaVersion identifies the fingerprint field set. Bump it whenever a
// field is added or removed; the version participates in the digest, so
// old and new schemas never collide silently.
const SchemaVersion = 2

// Unavailable is the marker value recorded for characteristics that could
// not be read or were disabled by configuration.
const Unavailable = "unavailable"

// Digest domain prefixes. Changing either invalidates every stored binding.
const (
	digestDomain      = "noteguard-fingerprint-v1"
	fieldDigestDomain = "noteguard-fingerprint-field-v1"
)

// ErrPartialCollection reports that one or more characteristics were
// unavailable. The returned fingerprint is still usable; the failed
// fields carry the Unavailable marker.
var ErrPartialCollection = errors.New("fingerprint: partial collection")

// Fingerprint is the fixed device characteristic schema. Fields are
// serialized in lexicographic key order for hashing; the struct is never
// persisted in raw form.
type Fingerprint struct {
	SchemaVersion int
	Platform      string
	OSVersion     string
	Arch          string
	CPUCores      int
	TotalMemory   uint64
	MachineID     string
	Hostname      string
	Locale        string
	Timezone      string
	Username      string
	InstallID     string
	DebugBuild    bool

	// CollectedFields and FailedFields describe how collection went.
	// They are metadata and do not participate in the digest.
	CollectedFields []string
	FailedFields    []string
}

type fieldPair struct {
	key   string
	value string
}

// pairs returns the schema fields in lexicographic key order. The order
// is fixed at compile time; no map is involved, so serialization is
// deterministic by construction.
func (fp *Fingerprint) pairs() []fieldPair {
	return []fieldPair{
		{"arch", fp.Arch},
		{"cpu_cores", strconv.Itoa(fp.CPUCores)},
		{"debug_build", strconv.FormatBool(fp.DebugBuild)},
		{"hostname", fp.Hostname},
		{"install_id", fp.InstallID},
		{"locale", fp.Locale},
		{"machine_id", fp.MachineID},
		{"os_version", fp.OSVersion},
		{"platform", fp.Platform},
		{"schema_version", strconv.Itoa(fp.SchemaVersion)},
		{"timezone", fp.Timezone},
		{"total_memory", strconv.FormatUint(fp.TotalMemory, 10)},
		{"username", fp.Username},
	}
}

// Canonical returns the canonical serialization: one key=value line per
// schema field, sorted lexicographically by key, newline terminated.
func (fp *Fingerprint) Canonical() []byte {
	var b bytes.Buffer
	for _, p := range fp.pairs() {
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Digest returns the SHA-256 digest of the canonical serialization,
// domain separated so fingerprint digests can never be confused with
// other hashes in the system.
func (fp *Fingerprint) Digest() []byte {
	sum := security.HashDomainSeparated(digestDomain, fp.Canonical())
	return sum[:]
}

// DigestHex returns Digest as a lowercase hex string.
func (fp *Fingerprint) DigestHex() string {
	return hex.EncodeToString(fp.Digest())
}

// FieldDigests returns a per-field digest map keyed by field name. Field
// digests allow drift counting against a stored binding without ever
// persisting raw characteristic values.
func (fp *Fingerprint) FieldDigests() map[string]string {
	out := make(map[string]string, len(fp.pairs()))
	for _, p := range fp.pairs() {
		sum := security.HashDomainSeparated(fieldDigestDomain, []byte(p.key+"="+p.value))
		out[p.key] = hex.EncodeToString(sum[:])
	}
	return out
}

// Comparison is the per-field result of matching two fingerprints.
type Comparison struct {
	Matched    []string
	Mismatched []string
}

// MatchRatio returns the fraction of fields that matched, in [0,1].
func (c Comparison) MatchRatio() float64 {
	total := len(c.Matched) + len(c.Mismatched)
	if total == 0 {
		return 0
	}
	return float64(len(c.Matched)) / float64(total)
}

// Drift returns the number of mismatched fields.
func (c Comparison) Drift() int {
	return len(c.Mismatched)
}

// AnyOf reports whether any of the given field names mismatched.
func (c Comparison) AnyOf(fields []string) bool {
	for _, want := range fields {
		for _, got := range c.Mismatched {
			if want == got {
				return true
			}
		}
	}
	return false
}

// Compare diffs two fingerprints field by field.
func Compare(a, b *Fingerprint) Comparison {
	var cmp Comparison
	bp := b.pairs()
	for i, p := range a.pairs() {
		if p.value == bp[i].value {
			cmp.Matched = append(cmp.Matched, p.key)
		} else {
			cmp.Mismatched = append(cmp.Mismatched, p.key)
		}
	}
	return cmp
}

// CompareFieldDigests diffs a fresh fingerprint against stored per-field
// digests from a previous enrollment. Fields absent from the stored map
// count as mismatched, so schema upgrades surface as drift instead of
// silently matching.
func CompareFieldDigests(stored map[string]string, fresh *Fingerprint) Comparison {
	var cmp Comparison
	freshDigests := fresh.FieldDigests()
	for _, p := range fresh.pairs() {
		if stored[p.key] == freshDigests[p.key] && stored[p.key] != "" {
			cmp.Matched = append(cmp.Matched, p.key)
		} else {
			cmp.Mismatched = append(cmp.Mismatched, p.key)
		}
	}
	return cmp
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// InstallID is the per-install identifier minted at enrollment.
	InstallID string

	// DisabledFields are excluded from collection; they carry the
	// Unavailable marker in the digest.
	DisabledFields []string

	// DebugBuild marks development builds. The flag participates in the
	// digest, so switching between debug and release re-triggers binding.
	DebugBuild bool
}

// Collector gathers device characteristics into a Fingerprint.
type Collector struct {
	installID  string
	disabled   map[string]bool
	debugBuild bool
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig) *Collector {
	disabled := make(map[string]bool, len(cfg.DisabledFields))
	for _, f := range cfg.DisabledFields {
		disabled[f] = true
	}
	return &Collector{
		installID:  cfg.InstallID,
		disabled:   disabled,
		debugBuild: cfg.DebugBuild,
	}
}

// Collect gathers every schema field best-effort. When one or more
// characteristics are unavailable the returned error wraps
// ErrPartialCollection and names the failed fields; the fingerprint is
// still valid and deterministic for the current environment.
func (c *Collector) Collect() (*Fingerprint, error) {
	fp := &Fingerprint{
		SchemaVersion: SchemaVersion,
		Platform:      runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPUCores:      runtime.NumCPU(),
		DebugBuild:    c.debugBuild,
	}
	fp.CollectedFields = append(fp.CollectedFields, "platform", "arch", "cpu_cores", "debug_build", "schema_version")

	if c.installID != "" {
		fp.InstallID = c.installID
		fp.CollectedFields = append(fp.CollectedFields, "install_id")
	} else {
		fp.InstallID = Unavailable
		fp.FailedFields = append(fp.FailedFields, "install_id")
	}

	collect := func(name string, probe func() (string, error), dst *string) {
		if c.disabled[name] {
			*dst = Unavailable
			return
		}
		v, err := probe()
		if err != nil || v == "" {
			*dst = Unavailable
			fp.FailedFields = append(fp.FailedFields, name)
			return
		}
		*dst = v
		fp.CollectedFields = append(fp.CollectedFields, name)
	}

	collect("os_version", osVersion, &fp.OSVersion)
	collect("machine_id", machineID, &fp.MachineID)
	collect("hostname", os.Hostname, &fp.Hostname)
	collect("locale", localeName, &fp.Locale)
	collect("timezone", timezoneName, &fp.Timezone)
	collect("username", currentUsername, &fp.Username)

	if c.disabled["total_memory"] {
		fp.TotalMemory = 0
	} else if mem, err := totalMemory(); err == nil && mem > 0 {
		fp.TotalMemory = mem
		fp.CollectedFields = append(fp.CollectedFields, "total_memory")
	} else {
		fp.FailedFields = append(fp.FailedFields, "total_memory")
	}

	if len(fp.FailedFields) > 0 {
		// Field names only; characteristic values never appear in errors.
		return fp, fmt.Errorf("%w: %s", ErrPartialCollection, strings.Join(fp.FailedFields, ", "))
	}
	return fp, nil
}

// localeName reads the process locale from the environment.
func localeName() (string, error) {
	if lang := os.Getenv("LANG"); lang != "" {
		return lang, nil
	}
	if lc := os.Getenv("LC_ALL"); lc != "" {
		return lc, nil
	}
	return "", errors.New("locale unavailable")
}

// currentUsername resolves the current user, falling back to the
// environment when user database lookups fail (static builds, chroots).
func currentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	return "", errors.New("username unavailable")
}
