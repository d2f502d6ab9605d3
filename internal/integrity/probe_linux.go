//go:build linux

package integrity

import "os"

// selinuxPermissive reports whether SELinux is present but not
// enforcing. A host where selinuxfs is mounted yet the enforce flag is
// missing or unreadable counts as permissive; a host without selinuxfs
// at all is skipped, since most desktop distributions never mount it.
func selinuxPermissive() bool {
	if _, err := os.Stat("/sys/fs/selinux"); err != nil {
		return false
	}
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil || len(data) == 0 {
		return true
	}
	return data[0] == '0'
}
