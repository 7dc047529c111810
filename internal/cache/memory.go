package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rategate/rategate/internal/clock"
)

// Memory is the in-process Cache backed by two maps: one for windowed
// counters, one for block records. It uses a Clock for expiry checks so the
// same code runs against real and manual time.
//
// Counter entries are deleted lazily: a read that finds an expired entry
// removes it, and Increment sweeps the whole counter map first so a window's
// count always starts from zero. The sweep is O(entries), which is bounded by
// active-identifier cardinality rather than request volume.
type Memory struct {
	mu       sync.Mutex
	counters map[string]counter
	blocks   map[string]time.Time
	clock    clock.Clock
}

type counter struct {
	value     int64
	expiresAt time.Time // zero value means no expiry
}

func (c counter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// NewMemory creates an empty Memory cache using the given clock.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		counters: make(map[string]counter),
		blocks:   make(map[string]time.Time),
		clock:    c,
	}
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, false, nil
	}
	if c.expired(m.clock.Now()) {
		delete(m.counters, key)
		return 0, false, nil
	}
	return c.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[key] // zero counter when absent: no expiry
	if c.expired(m.clock.Now()) {
		c = counter{}
	}
	c.value = value
	m.counters[key] = c
	return nil
}

func (m *Memory) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.clock.Now())

	c := m.counters[key]
	c.value++
	m.counters[key] = c
	return c.value, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c, ok := m.counters[key]
	if !ok || c.expired(now) {
		delete(m.counters, key)
		return ErrNoSuchKey
	}
	c.expiresAt = now.Add(ttl)
	m.counters[key] = c
	return nil
}

func (m *Memory) IsBlocked(_ context.Context, identifier string) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset, ok := m.blocks[identifier]
	if !ok {
		return false, time.Time{}, nil
	}
	if !reset.After(m.clock.Now()) {
		delete(m.blocks, identifier)
		return false, time.Time{}, nil
	}
	return true, reset, nil
}

func (m *Memory) BlockUntil(_ context.Context, identifier string, reset time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[identifier] = reset
	return nil
}

func (m *Memory) Unblock(_ context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blocks, identifier)
	return nil
}

// Sweep removes every expired counter and every lapsed block record in one
// pass. Useful for long-running processes that want batch cleanup in addition
// to the lazy deletion the read paths already do.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.sweepLocked(now)
	for id, reset := range m.blocks {
		if !reset.After(now) {
			delete(m.blocks, id)
		}
	}
}

// sweepLocked drops expired counters. Caller must hold m.mu.
func (m *Memory) sweepLocked(now time.Time) {
	for key, c := range m.counters {
		if c.expired(now) {
			delete(m.counters, key)
		}
	}
}

// Len returns the number of live entries across both maps, counting entries
// that have expired but not yet been swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters) + len(m.blocks)
}
