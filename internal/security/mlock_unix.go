//go:build unix

package security

import "golang.org/x/sys/unix"

// lockMemory pins pages so key material never reaches swap.
func lockMemory(data []byte) error {
	return unix.Mlock(data)
}

func unlockMemory(data []byte) error {
	return unix.Munlock(data)
}
