//go:build !unix

package security

// Memory locking is not implemented off Unix; buffers still get wiped.
func lockMemory(data []byte) error { return nil }

func unlockMemory(data []byte) error { return nil }
