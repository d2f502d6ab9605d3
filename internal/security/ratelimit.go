package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket. It throttles how often an operation may
// run, independent of whether the attempts succeed.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64
	burst        float64
	tokens       float64
	last         time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a limiter allowing ratePerSecond operations with
// the given burst capacity.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:   ratePerSecond,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Allow reports whether one operation may proceed now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	elapsed := now.Sub(r.last).Seconds()
	r.last = now

	r.tokens += elapsed * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Block denies all operations for the given duration regardless of
// available tokens.
func (r *RateLimiter) Block(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = time.Now().Add(d)
}

type failureEntry struct {
	count       int
	lastFailure time.Time
	lockedUntil time.Time
}

// FailureLimiter applies exponential backoff to repeated failures of a
// keyed operation and locks the key out entirely after maxFailures. It
// backs the credential verification path: delays grow per wrong password
// and a hard lock lands before brute force becomes practical.
type FailureLimiter struct {
	mu           sync.Mutex
	entries      map[string]*failureEntry
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

// NewFailureLimiter creates a limiter. baseDelay doubles per consecutive
// failure up to maxDelay; a key with no failures for resetAfter starts
// clean; maxFailures consecutive failures lock the key for lockDuration.
func NewFailureLimiter(baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		entries:      make(map[string]*failureEntry),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// RecordFailure registers a failed attempt and returns the delay the
// caller should impose before allowing another attempt.
func (f *FailureLimiter) RecordFailure(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	e := f.entries[key]
	if e == nil || now.Sub(e.lastFailure) > f.resetAfter {
		e = &failureEntry{}
		f.entries[key] = e
	}

	e.count++
	e.lastFailure = now

	if f.maxFailures > 0 && e.count >= f.maxFailures {
		e.lockedUntil = now.Add(f.lockDuration)
	}

	return f.delayLocked(e)
}

// RecordSuccess clears the failure history for key.
func (f *FailureLimiter) RecordSuccess(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// IsLocked reports whether key is locked out and for how much longer.
func (f *FailureLimiter) IsLocked(key string) (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entries[key]
	if e == nil {
		return false, 0
	}

	remaining := time.Until(e.lockedUntil)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Failures returns the consecutive failure count for key.
func (f *FailureLimiter) Failures(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entries[key]
	if e == nil {
		return 0
	}
	if time.Since(e.lastFailure) > f.resetAfter {
		return 0
	}
	return e.count
}

// GetDelay returns the backoff currently in force for key without
// recording anything.
func (f *FailureLimiter) GetDelay(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entries[key]
	if e == nil || time.Since(e.lastFailure) > f.resetAfter {
		return 0
	}
	return f.delayLocked(e)
}

// delayLocked computes baseDelay * 2^(count-1) capped at maxDelay.
// Caller holds f.mu.
func (f *FailureLimiter) delayLocked(e *failureEntry) time.Duration {
	if e.count <= 0 {
		return 0
	}

	delay := f.baseDelay
	for i := 1; i < e.count; i++ {
		delay *= 2
		if delay >= f.maxDelay {
			return f.maxDelay
		}
	}
	if delay > f.maxDelay {
		delay = f.maxDelay
	}
	return delay
}
