package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

// FixedWindow divides time into fixed slices of windowMs and counts requests
// per identifier per slice under the derived key "identifier:windowIndex".
// The first request over the limit blocks the identifier until the window
// rolls, so subsequent calls short-circuit on the block index instead of
// inflating the counter further.
//
// Cheap and predictable, but bursts straddling a boundary can see up to twice
// the configured rate.
type FixedWindow struct {
	cache  cache.Cache
	clock  clock.Clock
	limit  int
	window time.Duration
}

// NewFixedWindow creates a fixed window limiter admitting limit requests per
// window.
func NewFixedWindow(c cache.Cache, clk clock.Clock, limit int, window time.Duration) (*FixedWindow, error) {
	if err := validate(c, clk, limit, window); err != nil {
		return nil, fmt.Errorf("fixed window: %w", err)
	}
	return &FixedWindow{cache: c, clock: clk, limit: limit, window: window}, nil
}

func (fw *FixedWindow) Evaluate(ctx context.Context, identifier string) (Verdict, error) {
	nowMilli := fw.clock.Now().UnixMilli()
	windowMilli := fw.window.Milliseconds()
	bucket := nowMilli / windowMilli
	resetAt := time.UnixMilli((bucket + 1) * windowMilli)

	blocked, reset, err := fw.cache.IsBlocked(ctx, identifier)
	if err != nil {
		return Verdict{}, err
	}
	if blocked {
		return denied(fw.limit, reset), nil
	}

	key := fmt.Sprintf("%s:%d", identifier, bucket)
	count, err := fw.cache.Increment(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	if count == 1 {
		// First touch in this window; let the counter die with it.
		if err := fw.cache.Expire(ctx, key, fw.window); err != nil {
			return Verdict{}, err
		}
	}

	if count <= int64(fw.limit) {
		return Verdict{
			Allowed:   true,
			Limit:     fw.limit,
			Remaining: fw.limit - int(count),
			ResetAt:   resetAt,
			Pending:   resolved,
		}, nil
	}

	// Over the limit: record the block so the next call fast-rejects.
	if err := fw.cache.BlockUntil(ctx, identifier, resetAt); err != nil {
		return Verdict{}, err
	}
	return denied(fw.limit, resetAt), nil
}
