// Package security provides the memory hygiene, secure randomness, rate
// limiting, and file handling primitives shared by the key management
// packages.
package security

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrBufferDestroyed = errors.New("security: buffer already destroyed")
	ErrEmptyBuffer     = errors.New("security: empty buffer")
)

// SecureBuffer holds sensitive bytes in memory that is locked against
// swapping where the platform supports it and is wiped on Destroy. The
// zero value is not usable; construct with NewSecureBuffer or FromBytes.
type SecureBuffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBuffer allocates a locked buffer of the given size.
func NewSecureBuffer(size int) (*SecureBuffer, error) {
	if size <= 0 {
		return nil, ErrEmptyBuffer
	}

	b := &SecureBuffer{
		data: make([]byte, size),
	}
	b.lock()

	// Wipe on GC if the caller forgets Destroy. Explicit Destroy is
	// still required for prompt cleanup.
	runtime.SetFinalizer(b, (*SecureBuffer).Destroy)

	return b, nil
}

// FromBytes copies data into a new locked buffer and wipes the original
// slice. The caller must not use the original slice afterwards.
func FromBytes(data []byte) (*SecureBuffer, error) {
	b, err := NewSecureBuffer(len(data))
	if err != nil {
		return nil, err
	}

	copy(b.data, data)
	Wipe(data)

	return b, nil
}

// Bytes returns the underlying slice. The reference is only valid until
// Destroy; callers must not retain it.
func (b *SecureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Copy returns an independent copy of the buffer contents. The caller
// owns the copy and is responsible for wiping it.
func (b *SecureBuffer) Copy() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the buffer length, or 0 after Destroy.
func (b *SecureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Equal compares the buffer against data in constant time.
func (b *SecureBuffer) Equal(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, data) == 1
}

// Destroy wipes and unlocks the buffer. Safe to call more than once.
func (b *SecureBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return
	}

	wipeBytes(b.data)
	b.unlock()
	b.data = nil

	runtime.SetFinalizer(b, nil)
}

// lock pins the buffer memory. Failure is tolerated: locking is a
// hardening measure, not a correctness requirement, and unprivileged
// processes hit RLIMIT_MEMLOCK on large buffers.
func (b *SecureBuffer) lock() {
	if len(b.data) == 0 {
		return
	}
	if err := lockMemory(b.data); err == nil {
		b.locked = true
	}
}

func (b *SecureBuffer) unlock() {
	if !b.locked || len(b.data) == 0 {
		return
	}
	unlockMemory(b.data)
	b.locked = false
}

// Wipe zeroes a byte slice. The KeepAlive prevents the compiler from
// eliding the stores when the slice is dead afterwards.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference through timing.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
