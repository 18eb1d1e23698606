package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
)

// Defaults for NewSpawnLimiter.
const (
	DefaultMaxSpawnFailures = 3
	DefaultSpawnLockout     = 30 * time.Second
)

// LockedError is returned while a key is locked out.
type LockedError struct {
	Key       string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("shell spawn for %s locked after repeated failures; retry in %s",
		e.Key, e.Remaining.Round(time.Second))
}

// SpawnLimiter counts consecutive shell spawn failures per key (shell and
// strategy) and locks the key out once maxFailures is reached, so a broken
// shell configuration is not retried in a tight loop.
type SpawnLimiter struct {
	mu          sync.Mutex
	failures    map[string]*spawnFailure
	maxFailures int
	lockout     time.Duration
	clock       ports.Clock
}

type spawnFailure struct {
	count     int
	firstFail time.Time
	lockedAt  time.Time
}

// NewSpawnLimiter creates a limiter. Non-positive arguments select the
// defaults; a nil clock selects the real clock.
func NewSpawnLimiter(maxFailures int, lockout time.Duration, clock ports.Clock) *SpawnLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxSpawnFailures
	}
	if lockout <= 0 {
		lockout = DefaultSpawnLockout
	}
	if clock == nil {
		clock = realclock.New()
	}
	return &SpawnLimiter{
		failures:    make(map[string]*spawnFailure),
		maxFailures: maxFailures,
		lockout:     lockout,
		clock:       clock,
	}
}

// SpawnKey builds the limiter key for a shell request.
func SpawnKey(shell, strategy string) string {
	if shell == "" {
		shell = "auto"
	}
	if strategy == "" {
		strategy = "auto"
	}
	return shell + "/" + strategy
}

// Allow returns a *LockedError while key is locked out.
func (r *SpawnLimiter) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.failures[key]
	if !ok || f.lockedAt.IsZero() {
		return nil
	}
	elapsed := r.clock.Now().Sub(f.lockedAt)
	if elapsed >= r.lockout {
		return nil
	}
	return &LockedError{Key: key, Remaining: r.lockout - elapsed}
}

// RecordFailure records a failed spawn.
func (r *SpawnLimiter) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	f, ok := r.failures[key]
	if !ok {
		f = &spawnFailure{firstFail: now}
		r.failures[key] = f
	}

	// An expired lockout starts a fresh count.
	if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockout {
		f.count = 0
		f.firstFail = now
		f.lockedAt = time.Time{}
	}

	f.count++
	if f.count >= r.maxFailures {
		f.lockedAt = now
	}
}

// RecordSuccess clears the failure count for key.
func (r *SpawnLimiter) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
}

// Cleanup removes expired entries.
func (r *SpawnLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for k, f := range r.failures {
		if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockout {
			delete(r.failures, k)
			continue
		}
		if now.Sub(f.firstFail) >= 2*r.lockout {
			delete(r.failures, k)
		}
	}
}

// Tracked returns the number of keys with recorded failures.
func (r *SpawnLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}
