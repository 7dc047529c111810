package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

func TestWaitUntilAllowed_ImmediateAdmission(t *testing.T) {
	fw, _, mc := newFixed(t, 1, time.Minute)

	v, err := WaitUntilAllowed(ctx, fw, mc, "user1")
	if err != nil {
		t.Fatalf("WaitUntilAllowed: %v", err)
	}
	if !v.Allowed {
		t.Error("fresh identifier should be admitted without waiting")
	}
}

func TestWaitUntilAllowed_SleepsUntilWindowRolls(t *testing.T) {
	fw, _, mc := newFixed(t, 1, time.Minute)
	fw.Evaluate(ctx, "user1") // consume the window

	type outcome struct {
		v   Verdict
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := WaitUntilAllowed(ctx, fw, mc, "user1")
		done <- outcome{v, err}
	}()

	// Drive the clock forward until the waiter wakes into the next window.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case out := <-done:
			if out.err != nil {
				t.Fatalf("WaitUntilAllowed: %v", out.err)
			}
			if !out.v.Allowed {
				t.Error("waiter should return an admitting verdict")
			}
			return
		case <-deadline:
			t.Fatal("waiter never woke up")
		default:
			mc.Advance(10 * time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWaitUntilAllowed_ContextCancel(t *testing.T) {
	fw, _, mc := newFixed(t, 1, time.Hour)
	fw.Evaluate(ctx, "user1")

	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := WaitUntilAllowed(cancelCtx, fw, mc, "user1")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the waiter")
	}
}

func TestWaitUntilAllowed_NeverBusyLoops(t *testing.T) {
	mc := clock.NewManual(epoch)
	store := cache.NewMemory(mc)
	lim := &countingLimiter{inner: mustFixed(t, store, mc, 1, time.Minute)}
	lim.inner.Evaluate(ctx, "user1")

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	WaitUntilAllowed(cancelCtx, lim, mc, "user1")

	// The manual clock never fires, so exactly one evaluation happens
	// before the context deadline cuts the wait short.
	if got := lim.calls; got != 1 {
		t.Errorf("evaluations = %d before timeout, want 1 (no busy polling)", got)
	}
}

type countingLimiter struct {
	inner Limiter
	calls int
}

func (c *countingLimiter) Evaluate(ctx context.Context, id string) (Verdict, error) {
	c.calls++
	return c.inner.Evaluate(ctx, id)
}

func mustFixed(t *testing.T, store *cache.Memory, mc *clock.Manual, limit int, window time.Duration) *FixedWindow {
	t.Helper()
	fw, err := NewFixedWindow(store, mc, limit, window)
	if err != nil {
		t.Fatal(err)
	}
	return fw
}
