// Package cache holds the shared state behind every admission algorithm: a
// counter store for windowed request counts and a block index that remembers
// identifiers which are already over their limit.
//
// Counter keys are always derived (identifier plus a suffix such as the window
// index); block records are keyed by the raw identifier. Implementations must
// keep the two namespaces disjoint so a counter can never shadow a block
// record or vice versa.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchKey is returned by Expire when the key does not exist. Expiring a
// key the caller did not just create is a wiring bug, not a runtime
// condition, so it is surfaced instead of ignored.
var ErrNoSuchKey = errors.New("cache: no such key")

// Cache is the capability the algorithms are handed. Every method mutates
// shared state; none of them block beyond the backend round trip.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the counter value for key, or ok=false when the key is
	// missing or expired. An expired entry is deleted as a side effect.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// Set upserts the counter value for key, preserving any existing
	// expiry. A brand-new key starts with no expiry.
	Set(ctx context.Context, key string, value int64) error

	// Increment adds 1 to the counter for key and returns the new value,
	// creating the key at 1 when absent. Stale entries are swept before
	// the add so an expired count never inflates a fresh window.
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets the expiry of an existing key to now+ttl without
	// touching its value. Returns ErrNoSuchKey when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IsBlocked reports whether identifier has an active block record,
	// and if so the instant the block lifts. A stale record is cleared.
	IsBlocked(ctx context.Context, identifier string) (bool, time.Time, error)

	// BlockUntil upserts a block record for identifier lasting until reset.
	BlockUntil(ctx context.Context, identifier string, reset time.Time) error

	// Unblock removes the block record for identifier, if any.
	Unblock(ctx context.Context, identifier string) error
}

// TokenTaker is an optional extension for backends that can refill and
// consume a token in a single server-side step. The token bucket algorithm
// prefers this path when available so the read-modify-write cannot interleave
// across processes.
//
// Balances are in milli-tokens (1 token = 1000) so fractional refill survives
// integer storage. refillPerMilli is milli-tokens accrued per millisecond.
type TokenTaker interface {
	TakeToken(ctx context.Context, identifier string, capacityMilli int64, refillPerMilli float64, nowMilli int64) (taken bool, balanceMilli int64, err error)
}
