//go:build windows

package security

// Windows debugger detection would go through IsDebuggerPresent. Not
// wired up; integrity probing is Linux-focused.
func debuggerAttached() bool { return false }

func setRestrictiveUmask() {}

// Windows has no core dumps in the Unix sense.
func disableCoreDumps() error { return nil }

func coreDumpsEnabled() bool { return false }
