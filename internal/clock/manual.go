package clock

import (
	"sync"
	"time"
)

// Manual is a hand-driven clock for deterministic tests and simulations.
// Time only moves when Advance or Set is called, so limits that span hours
// can be exercised in microseconds.
//
// Safe for concurrent use.
type Manual struct {
	mu      sync.RWMutex
	now     time.Time
	pending []sleeper
}

type sleeper struct {
	wake time.Time
	ch   chan time.Time
}

// NewManual creates a Manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *Manual) Since(t time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now.Sub(t)
}

// After returns a channel that fires once the clock has been advanced past
// now+d. A non-positive d fires immediately.
func (c *Manual) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, sleeper{wake: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and wakes any sleepers whose deadline
// has been reached. Panics on negative d.
func (c *Manual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.wake()
}

// Set jumps the clock to t. Panics if t is in the past.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("clock: cannot set time to the past")
	}
	c.now = t
	c.wake()
}

// wake fires every sleeper whose deadline is at or before now.
// Caller must hold c.mu.
func (c *Manual) wake() {
	keep := c.pending[:0]
	for _, s := range c.pending {
		if s.wake.After(c.now) {
			keep = append(keep, s)
			continue
		}
		s.ch <- c.now
	}
	c.pending = keep
}
