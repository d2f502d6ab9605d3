//go:build linux

package fingerprint

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// osVersion returns the kernel release string.
func osVersion() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// totalMemory returns physical memory in bytes.
func totalMemory() (uint64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	return uint64(si.Totalram) * uint64(si.Unit), nil
}

// machineID reads the systemd machine id, falling back to the dbus copy
// and then the DMI product UUID. The DMI file is root-only on many
// distributions, so it is a last resort rather than the primary source.
func machineID() (string, error) {
	for _, path := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
		"/sys/class/dmi/id/product_uuid",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "", errors.New("machine id unavailable")
}

// timezoneName resolves the configured IANA zone name. TZ wins when set,
// then the Debian-style /etc/timezone file, then the /etc/localtime
// symlink target.
func timezoneName() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz, nil
	}
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(data)); tz != "" {
			return tz, nil
		}
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "/zoneinfo/"); i >= 0 {
			return target[i+len("/zoneinfo/"):], nil
		}
	}
	return "", errors.New("timezone unavailable")
}
