package limiter

import (
	"context"
	"time"

	"github.com/rategate/rategate/internal/clock"
)

// waitFloor bounds how short a sleep between attempts can be, so a RetryAt
// in the immediate past cannot turn the wait into a busy loop.
const waitFloor = 5 * time.Millisecond

// WaitUntilAllowed polls lim until identifier is admitted, sleeping until
// each denial's RetryAt on the given clock. It returns the admitting verdict,
// or the last denial together with ctx.Err when the context is cancelled or
// times out first.
//
// The core never blocks; this helper is the one place admission waits, and
// cancellation lives here rather than in the algorithms.
func WaitUntilAllowed(ctx context.Context, lim Limiter, clk clock.Clock, identifier string) (Verdict, error) {
	for {
		v, err := lim.Evaluate(ctx, identifier)
		if err != nil || v.Allowed {
			return v, err
		}

		sleep := v.RetryAt.Sub(clk.Now())
		if sleep < waitFloor {
			sleep = waitFloor
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-clk.After(sleep):
		}
	}
}
