//go:build unix

package security

import (
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// debuggerAttached parses TracerPid from /proc/self/status on Linux.
// Platforms without procfs report false.
func debuggerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		tracer := strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:"))
		return tracer != "" && tracer != "0"
	}
	return false
}

func setRestrictiveUmask() {
	syscall.Umask(0077)
}

func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

func coreDumpsEnabled() bool {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rl); err != nil {
		return true
	}
	return rl.Cur > 0
}
