// Package fakeclock provides a controllable Clock implementation for testing.
//
// Scheduled work (After, AfterFunc, tickers) only runs inside Advance, on the
// caller's goroutine, in deadline order. Now() observed from inside a
// callback equals that callback's deadline.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/ports"
)

// Clock is a fake clock that can be controlled in tests.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	pending []*timer
	seq     uint64
}

type timer struct {
	clock    *Clock
	deadline time.Time
	seq      uint64
	fn       func()
	period   time.Duration
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep is a no-op in fake clock (returns immediately).
// Use Advance() to simulate time passing.
func (c *Clock) Sleep(d time.Duration) {}

// After returns a channel that receives the time once Advance reaches d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		select {
		case ch <- c.Now():
		default:
		}
	})
	return ch
}

// AfterFunc schedules f to run when Advance moves the clock past now+d.
// A non-positive d fires on the next Advance, including Advance(0).
func (c *Clock) AfterFunc(d time.Duration, f func()) ports.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleLocked(c.current.Add(d), f, 0)
}

// NewTicker returns a ticker that fires every d of advanced time.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.scheduleLocked(c.current.Add(d), nil, d)
	t.fn = func() {
		select {
		case ch <- c.Now():
		default:
		}
	}
	return &fakeTicker{timer: t, ch: ch}
}

func (c *Clock) scheduleLocked(deadline time.Time, f func(), period time.Duration) *timer {
	c.seq++
	t := &timer{clock: c, deadline: deadline, seq: c.seq, fn: f, period: period}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, running every callback that falls
// due on the way. Callbacks scheduled by other callbacks run too if they are
// due before the target time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.removeLocked(next)
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
			c.seq++
			next.seq = c.seq
			c.pending = append(c.pending, next)
		}
		fn := next.fn
		c.mu.Unlock()

		fn()
	}
}

// AdvanceTo moves the clock to t (no-op if t is in the past).
func (c *Clock) AdvanceTo(t time.Time) {
	if d := t.Sub(c.Now()); d >= 0 {
		c.Advance(d)
	}
}

// Set sets the clock to a specific time without firing anything.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Pending returns the number of scheduled, not yet fired callbacks.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	var best *timer
	for _, t := range c.pending {
		if t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (c *Clock) removeLocked(t *timer) bool {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t)
}

type fakeTicker struct {
	timer *timer
	ch    chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.timer.Stop()
}

// Ensure Clock implements ports.Clock.
var _ ports.Clock = (*Clock)(nil)
