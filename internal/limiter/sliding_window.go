package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

// slidingKeepAlive is how far past two windows the current counter stays
// readable, so after a rollover it can still serve as the next call's
// "previous" window.
const slidingKeepAlive = time.Second

// SlidingWindow approximates a true sliding window from two fixed-window
// counters: the previous window's count is weighted by the fraction of the
// current window not yet elapsed and added to the current count. The
// approximation assumes requests were spread uniformly across the previous
// window; the error it introduces is bounded by the floor in the weighting
// step.
//
// The previous window's counter is strictly read-only here. Writing it would
// corrupt the count that becomes "previous" for calls after the next
// rollover.
type SlidingWindow struct {
	cache  cache.Cache
	clock  clock.Clock
	limit  int
	window time.Duration
}

// NewSlidingWindow creates a sliding window limiter admitting roughly limit
// requests per trailing window.
func NewSlidingWindow(c cache.Cache, clk clock.Clock, limit int, window time.Duration) (*SlidingWindow, error) {
	if err := validate(c, clk, limit, window); err != nil {
		return nil, fmt.Errorf("sliding window: %w", err)
	}
	return &SlidingWindow{cache: c, clock: clk, limit: limit, window: window}, nil
}

func (sw *SlidingWindow) Evaluate(ctx context.Context, identifier string) (Verdict, error) {
	nowMilli := sw.clock.Now().UnixMilli()
	windowMilli := sw.window.Milliseconds()
	current := nowMilli / windowMilli
	resetAt := time.UnixMilli((current + 1) * windowMilli)

	blocked, reset, err := sw.cache.IsBlocked(ctx, identifier)
	if err != nil {
		return Verdict{}, err
	}
	if blocked {
		return denied(sw.limit, reset), nil
	}

	previousKey := fmt.Sprintf("%s:%d", identifier, current-1)
	previousCount, _, err := sw.cache.Get(ctx, previousKey)
	if err != nil {
		return Verdict{}, err
	}

	// Weight the previous window by the share of the current window still
	// ahead of us. Integer division floors, matching the documented
	// rounding.
	elapsedMilli := nowMilli % windowMilli
	weighted := previousCount * (windowMilli - elapsedMilli) / windowMilli

	currentKey := fmt.Sprintf("%s:%d", identifier, current)
	count, err := sw.cache.Increment(ctx, currentKey)
	if err != nil {
		return Verdict{}, err
	}
	if count == 1 {
		if err := sw.cache.Expire(ctx, currentKey, 2*sw.window+slidingKeepAlive); err != nil {
			return Verdict{}, err
		}
	}

	remaining := int64(sw.limit) - (count + weighted)
	if remaining >= 0 {
		return Verdict{
			Allowed:   true,
			Limit:     sw.limit,
			Remaining: int(remaining),
			ResetAt:   resetAt,
			Pending:   resolved,
		}, nil
	}

	if err := sw.cache.BlockUntil(ctx, identifier, resetAt); err != nil {
		return Verdict{}, err
	}
	return denied(sw.limit, resetAt), nil
}
