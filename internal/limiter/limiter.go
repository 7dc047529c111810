// Package limiter implements the admission algorithms: fixed window, sliding
// window approximation, and token bucket. Each algorithm is a value built at
// configuration time against an injected cache and clock; the per-request
// call is a single Evaluate.
//
// All three share the fast-reject path: an identifier that has already been
// found over its limit sits in the cache's block index, and every call before
// the recorded reset returns a denial without touching the counters.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

// Algorithm identifies an admission algorithm.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Limiter is the core admission interface.
type Limiter interface {
	// Evaluate decides whether the request identified by identifier may
	// proceed right now. The error path only exists for shared-store
	// backends; the in-memory cache never fails.
	Evaluate(ctx context.Context, identifier string) (Verdict, error)
}

// Verdict is the admission decision plus the quota metadata callers need for
// rate-limit headers.
type Verdict struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"` // always within [0, Limit]
	ResetAt   time.Time `json:"reset_at"`  // when the window rolls or a token accrues
	RetryAt   time.Time `json:"retry_at"`  // earliest useful retry (denials only)

	// Pending resolves once any deferred bookkeeping behind the verdict
	// has completed. Both caches finish their writes before Evaluate
	// returns, so it is already resolved; it exists so embedders in
	// suspend-on-return environments can treat local and remote-synced
	// verdicts uniformly.
	Pending <-chan struct{} `json:"-"`
}

// resolved is the shared already-closed Pending channel.
var resolved = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Config holds the parameters for building a limiter.
type Config struct {
	Algorithm Algorithm     `json:"algorithm"`
	Rate      int           `json:"rate"`   // requests (or tokens) per window
	Window    time.Duration `json:"window"` // window or refill interval
	Burst     int           `json:"burst"`  // bucket capacity (token bucket only)
}

// New builds the limiter selected by cfg.Algorithm. This is the one
// indirection between configuration and the per-call hot path.
func New(cfg Config, c cache.Cache, clk clock.Clock) (Limiter, error) {
	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindow(c, clk, cfg.Rate, cfg.Window)
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(c, clk, cfg.Rate, cfg.Window)
	case AlgorithmTokenBucket:
		return NewTokenBucket(c, clk, cfg.Rate, cfg.Window, cfg.Burst)
	default:
		return nil, fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
}

// validate enforces the construction-time invariants shared by every
// algorithm. Violations are configuration bugs, caught before any request
// runs.
func validate(c cache.Cache, clk clock.Clock, limit int, window time.Duration) error {
	if c == nil {
		return fmt.Errorf("cache is required")
	}
	if clk == nil {
		return fmt.Errorf("clock is required")
	}
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", window)
	}
	return nil
}

// denied is the fast-reject verdict: the identifier is already known to be
// over its limit until reset.
func denied(limit int, reset time.Time) Verdict {
	return Verdict{
		Limit:   limit,
		ResetAt: reset,
		RetryAt: reset,
		Pending: resolved,
	}
}
