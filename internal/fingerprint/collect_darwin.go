//go:build darwin

package fingerprint

import (
	"errors"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// osVersion returns the Darwin kernel release string.
func osVersion() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// totalMemory returns physical memory in bytes.
func totalMemory() (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}

// machineID returns the kernel boot UUID, which is stable per install.
func machineID() (string, error) {
	id, err := unix.Sysctl("kern.uuid")
	if err != nil {
		return "", err
	}
	if id = strings.TrimSpace(id); id == "" {
		return "", errors.New("machine id unavailable")
	}
	return id, nil
}

// timezoneName resolves the configured IANA zone name. On macOS
// /etc/localtime is a symlink into the zoneinfo bundle.
func timezoneName() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz, nil
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "/zoneinfo/"); i >= 0 {
			return target[i+len("/zoneinfo/"):], nil
		}
	}
	if name, _ := time.Now().Zone(); name != "" {
		return name, nil
	}
	return "", errors.New("timezone unavailable")
}
