package access

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RateLimiter counts failed authentication attempts per source address and
// locks a source out once it trips the threshold. The denial check runs
// before any credential check so a locked-out source learns nothing about
// credential validity.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	lockout     time.Duration

	mu      sync.Mutex
	records *expirable.LRU[string, *attemptRecord]

	now func() time.Time // test hook
}

type attemptRecord struct {
	count        int
	windowStart  time.Time
	lastAttempt  time.Time
	lockoutUntil time.Time
}

const rateLimiterCapacity = 4096

// NewRateLimiter builds a limiter allowing maxAttempts failures per window
// before imposing the lockout. Records are held in an expirable LRU so stale
// sources are reaped lazily instead of by a background sweeper.
func NewRateLimiter(maxAttempts int, window, lockout time.Duration) *RateLimiter {
	ttl := window + lockout
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		lockout:     lockout,
		records:     expirable.NewLRU[string, *attemptRecord](rateLimiterCapacity, nil, ttl),
		now:         time.Now,
	}
}

// Allowed reports whether an authentication attempt from src may proceed to
// the credential check. A locked-out source is denied immediately.
func (rl *RateLimiter) Allowed(src string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.records.Get(src)
	if !ok {
		return true
	}
	return !rl.now().Before(rec.lockoutUntil)
}

// Failure records a failed authentication attempt from src. Reaching the
// threshold within the window sets the lockout and resets the counter.
func (rl *RateLimiter) Failure(src string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.records.Get(src)
	if !ok || now.Sub(rec.windowStart) > rl.window {
		rec = &attemptRecord{windowStart: now}
	}
	rec.count++
	rec.lastAttempt = now
	if rec.count >= rl.maxAttempts {
		rec.lockoutUntil = now.Add(rl.lockout)
		rec.count = 0
		rec.windowStart = now
	}
	rl.records.Add(src, rec)
}

// Success clears the record for src; any successful authentication resets
// that source's counter to zero.
func (rl *RateLimiter) Success(src string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.records.Remove(src)
}

// LockedOut reports whether src is currently in its lockout period.
func (rl *RateLimiter) LockedOut(src string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec, ok := rl.records.Get(src)
	return ok && rl.now().Before(rec.lockoutUntil)
}
