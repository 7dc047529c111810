package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

// Suffixes for the per-identifier bucket state kept in the counter cache.
// Non-numeric, so they can never collide with a windowed "identifier:index"
// key, and suffixed, so they stay out of the block index namespace.
const (
	balanceSuffix = ":tokens"
	refillSuffix  = ":refill"
)

// TokenBucket models a credit pool of capacity tokens that refills rate
// tokens per window and spends one token per request. Balances are stored as
// milli-tokens so fractional refill survives the integer cache.
//
// Against a plain cache the refill-and-spend cycle is a read-modify-write
// serialized by the bucket's own mutex; a backend implementing
// cache.TokenTaker (the Redis cache) performs the whole cycle server-side
// instead, which is what makes the shared-store variant safe across
// replicas.
type TokenBucket struct {
	cache    cache.Cache
	clock    clock.Clock
	capacity int     // whole tokens the bucket can hold
	refill   float64 // milli-tokens accrued per millisecond

	mu sync.Mutex
}

// NewTokenBucket creates a token bucket refilling rate tokens per window and
// holding at most burst tokens. A non-positive burst defaults to rate.
func NewTokenBucket(c cache.Cache, clk clock.Clock, rate int, window time.Duration, burst int) (*TokenBucket, error) {
	if err := validate(c, clk, rate, window); err != nil {
		return nil, fmt.Errorf("token bucket: %w", err)
	}
	if burst <= 0 {
		burst = rate
	}
	return &TokenBucket{
		cache:    c,
		clock:    clk,
		capacity: burst,
		refill:   float64(rate) * 1000 / float64(window.Milliseconds()),
	}, nil
}

func (tb *TokenBucket) Evaluate(ctx context.Context, identifier string) (Verdict, error) {
	blocked, reset, err := tb.cache.IsBlocked(ctx, identifier)
	if err != nil {
		return Verdict{}, err
	}
	if blocked {
		return denied(tb.capacity, reset), nil
	}

	now := tb.clock.Now()
	nowMilli := now.UnixMilli()
	capacityMilli := int64(tb.capacity) * 1000

	var taken bool
	var balance int64
	if taker, ok := tb.cache.(cache.TokenTaker); ok {
		taken, balance, err = taker.TakeToken(ctx, identifier, capacityMilli, tb.refill, nowMilli)
	} else {
		taken, balance, err = tb.take(ctx, identifier, capacityMilli, nowMilli)
	}
	if err != nil {
		return Verdict{}, err
	}

	if taken {
		return Verdict{
			Allowed:   true,
			Limit:     tb.capacity,
			Remaining: int(balance / 1000),
			ResetAt:   tb.nextTokenAt(now, balance),
			Pending:   resolved,
		}, nil
	}

	nextToken := tb.nextTokenAt(now, balance)
	if err := tb.cache.BlockUntil(ctx, identifier, nextToken); err != nil {
		return Verdict{}, err
	}
	return denied(tb.capacity, nextToken), nil
}

// take is the refill-and-spend cycle against a plain cache. The mutex keeps
// two concurrent calls from interleaving between the reads and the writes;
// per-key atomicity of the cache alone is not enough for a compound update.
func (tb *TokenBucket) take(ctx context.Context, identifier string, capacityMilli, nowMilli int64) (bool, int64, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	balanceKey := identifier + balanceSuffix
	refillKey := identifier + refillSuffix

	balance, haveBalance, err := tb.cache.Get(ctx, balanceKey)
	if err != nil {
		return false, 0, err
	}
	lastRefill, haveRefill, err := tb.cache.Get(ctx, refillKey)
	if err != nil {
		return false, 0, err
	}

	if !haveBalance || !haveRefill {
		// Unknown identifier, or state expired after sitting full: either
		// way the bucket starts full.
		balance = capacityMilli
	} else if elapsed := nowMilli - lastRefill; elapsed > 0 {
		refilled := balance + int64(float64(elapsed)*tb.refill)
		balance = min(capacityMilli, refilled)
	}

	taken := balance >= 1000
	if taken {
		balance -= 1000
	}

	if err := tb.cache.Set(ctx, balanceKey, balance); err != nil {
		return false, 0, err
	}
	if err := tb.cache.Set(ctx, refillKey, nowMilli); err != nil {
		return false, 0, err
	}
	// A bucket left alone is full again after the deficit refills, at which
	// point absent state means the same thing, so the keys may expire then.
	ttl := tb.refillDuration(capacityMilli-balance) + time.Second
	if err := tb.cache.Expire(ctx, balanceKey, ttl); err != nil {
		return false, 0, err
	}
	if err := tb.cache.Expire(ctx, refillKey, ttl); err != nil {
		return false, 0, err
	}
	return taken, balance, nil
}

// nextTokenAt returns the instant at which at least one whole token is
// available given the post-decision balance.
func (tb *TokenBucket) nextTokenAt(now time.Time, balanceMilli int64) time.Time {
	if balanceMilli >= 1000 {
		return now
	}
	return now.Add(tb.refillDuration(1000 - balanceMilli))
}

// refillDuration returns how long accruing deficitMilli takes.
func (tb *TokenBucket) refillDuration(deficitMilli int64) time.Duration {
	ms := math.Ceil(float64(deficitMilli) / tb.refill)
	return time.Duration(ms) * time.Millisecond
}
