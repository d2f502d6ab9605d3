// Package integrity probes the runtime environment for signs of
// tampering: attached debuggers, root toolchains, hooking frameworks,
// weakened mandatory access control, and failed remote attestation
// verdicts.
//
// Every check is independent and best-effort. A check that cannot run
// leaves its bit unset rather than aborting the probe, so the aggregate
// bitmask is always produced and is the sole source of truth for policy.
package integrity

import (
	"os"
	"strings"

	"noteguard/internal/security"
)

// Flags is the probe result bitmask. Bit values are wire-compatible with
// verdict documents produced by earlier releases; never renumber.
type Flags uint32

const (
	FlagDebugger            Flags = 0x01
	FlagSuBinary            Flags = 0x02
	FlagHookFramework       Flags = 0x04
	FlagRemoteVerdictFailed Flags = 0x08
	FlagSELinuxPermissive   Flags = 0x10
	FlagSystemlessRoot      Flags = 0x20
	FlagInjectionFramework  Flags = 0x40
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagDebugger, "debugger"},
	{FlagSuBinary, "su_binary"},
	{FlagHookFramework, "hook_framework"},
	{FlagRemoteVerdictFailed, "remote_verdict_failed"},
	{FlagSELinuxPermissive, "selinux_permissive"},
	{FlagSystemlessRoot, "systemless_root"},
	{FlagInjectionFramework, "injection_framework"},
}

// Has reports whether flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Count returns the number of set flags.
func (f Flags) Count() int {
	n := 0
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			n++
		}
	}
	return n
}

// Names returns the names of all set flags in bit order.
func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "clean"
	}
	return strings.Join(f.Names(), "|")
}

// Default artifact locations, drawn from the threat sets this probe has
// always shipped with. Config can extend the su and hook lists.
var (
	defaultSuPaths = []string{
		"/system/bin/su",
		"/system/xbin/su",
		"/sbin/su",
		"/vendor/bin/su",
		"/su/bin/su",
	}
	defaultHookPaths = []string{
		"/data/local/tmp/frida-server",
		"/data/local/frida-server",
		"/system/bin/frida-server",
	}
	defaultMagiskPaths = []string{
		"/sbin/.magisk",
		"/data/adb/magisk",
	}
	defaultXposedPaths = []string{
		"/system/bin/app_process64_xposed",
		"/system/framework/XposedBridge.jar",
		"/system/lib/libxposed.so",
	}
)

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	// ExtraSuPaths extends the built-in su binary locations.
	ExtraSuPaths []string

	// ExtraHookPaths extends the built-in hooking framework locations.
	ExtraHookPaths []string

	// Verdicts supplies the remote attestation verdict, when available.
	Verdicts *VerdictCache
}

// Probe runs the environment checks.
type Probe struct {
	suPaths     []string
	hookPaths   []string
	magiskPaths []string
	xposedPaths []string
	verdicts    *VerdictCache
}

// NewProbe creates a probe with the built-in artifact lists plus any
// configured extras.
func NewProbe(cfg ProbeConfig) *Probe {
	return &Probe{
		suPaths:     append(append([]string(nil), defaultSuPaths...), cfg.ExtraSuPaths...),
		hookPaths:   append(append([]string(nil), defaultHookPaths...), cfg.ExtraHookPaths...),
		magiskPaths: defaultMagiskPaths,
		xposedPaths: defaultXposedPaths,
		verdicts:    cfg.Verdicts,
	}
}

// Run executes every check and ORs the findings. Synchronous and
// best-effort; an individual check failure leaves its bit unset.
func (p *Probe) Run() Flags {
	var flags Flags

	if security.DebuggerAttached() {
		flags |= FlagDebugger
	}
	if anyFileExists(p.suPaths) {
		flags |= FlagSuBinary
	}
	if anyFileExists(p.hookPaths) {
		flags |= FlagHookFramework
	}
	if p.verdicts != nil {
		if ok, valid := p.verdicts.Current(); valid && !ok {
			flags |= FlagRemoteVerdictFailed
		}
	}
	if selinuxPermissive() {
		flags |= FlagSELinuxPermissive
	}
	if anyFileExists(p.magiskPaths) {
		flags |= FlagSystemlessRoot
	}
	if anyFileExists(p.xposedPaths) {
		flags |= FlagInjectionFramework
	}

	return flags
}

func anyFileExists(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
