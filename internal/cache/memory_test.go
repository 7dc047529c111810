package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rategate/rategate/internal/clock"
)

var (
	ctx   = context.Background()
	epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
)

func TestMemory_GetAbsent(t *testing.T) {
	m := NewMemory(clock.NewManual(epoch))

	_, ok, err := m.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("absent key should report ok=false")
	}
}

func TestMemory_IncrementAndGet(t *testing.T) {
	m := NewMemory(clock.NewManual(epoch))

	for want := int64(1); want <= 3; want++ {
		got, err := m.Increment(ctx, "user:42")
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}

	v, ok, _ := m.Get(ctx, "user:42")
	if !ok || v != 3 {
		t.Errorf("Get = (%d, %v), want (3, true)", v, ok)
	}
}

func TestMemory_ExpireThenGone(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.Increment(ctx, "k")
	if err := m.Expire(ctx, "k", 100*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	mc.Advance(99 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("key should still be readable before expiry")
	}

	mc.Advance(2 * time.Millisecond) // now at +101ms
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("key should be absent after expiry")
	}
}

func TestMemory_ExpireAbsentKey(t *testing.T) {
	m := NewMemory(clock.NewManual(epoch))

	if err := m.Expire(ctx, "ghost", time.Second); err != ErrNoSuchKey {
		t.Errorf("Expire on absent key = %v, want ErrNoSuchKey", err)
	}
}

func TestMemory_IncrementSweepsExpired(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.Increment(ctx, "stale")
	m.Expire(ctx, "stale", 100*time.Millisecond)
	m.Increment(ctx, "fresh")

	mc.Advance(101 * time.Millisecond)

	// The increment on an unrelated key must sweep the expired entry out.
	m.Increment(ctx, "other")
	if got := m.Len(); got != 2 {
		t.Errorf("Len = %d after sweep, want 2 (fresh + other)", got)
	}

	// And a new count on the swept key starts from scratch.
	if v, _ := m.Increment(ctx, "stale"); v != 1 {
		t.Errorf("Increment on swept key = %d, want 1", v)
	}
}

func TestMemory_SetPreservesExpiry(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.Increment(ctx, "k")
	m.Expire(ctx, "k", time.Second)
	m.Set(ctx, "k", 99)

	mc.Advance(time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("Set must not strip the existing expiry")
	}
}

func TestMemory_SetNewKeyHasNoExpiry(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.Set(ctx, "k", 7)
	mc.Advance(24 * time.Hour)
	v, ok, _ := m.Get(ctx, "k")
	if !ok || v != 7 {
		t.Errorf("Get = (%d, %v), want (7, true): fresh keys never expire", v, ok)
	}
}

func TestMemory_BlockLifecycle(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	reset := epoch.Add(10 * time.Second)
	m.BlockUntil(ctx, "ip:1.2.3.4", reset)

	blocked, got, _ := m.IsBlocked(ctx, "ip:1.2.3.4")
	if !blocked {
		t.Fatal("identifier should be blocked")
	}
	if !got.Equal(reset) {
		t.Errorf("reset = %v, want %v", got, reset)
	}

	// Same answer on every call before reset.
	mc.Advance(9 * time.Second)
	blocked, got, _ = m.IsBlocked(ctx, "ip:1.2.3.4")
	if !blocked || !got.Equal(reset) {
		t.Error("block must be stable until reset")
	}

	// At reset the record is cleared.
	mc.Advance(time.Second)
	blocked, _, _ = m.IsBlocked(ctx, "ip:1.2.3.4")
	if blocked {
		t.Error("block should lift at reset")
	}
	if m.Len() != 0 {
		t.Error("stale block record should have been cleared")
	}
}

func TestMemory_Unblock(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.BlockUntil(ctx, "x", epoch.Add(time.Hour))
	m.Unblock(ctx, "x")
	if blocked, _, _ := m.IsBlocked(ctx, "x"); blocked {
		t.Error("Unblock should remove the record")
	}
}

func TestMemory_CountersAndBlocksAreDisjoint(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	// A counter under the raw identifier must not read as a block record,
	// and blocking must not disturb the counter.
	m.Increment(ctx, "alice")
	m.BlockUntil(ctx, "alice", epoch.Add(time.Minute))

	v, ok, _ := m.Get(ctx, "alice")
	if !ok || v != 1 {
		t.Errorf("counter = (%d, %v), want (1, true)", v, ok)
	}
	blocked, _, _ := m.IsBlocked(ctx, "alice")
	if !blocked {
		t.Error("block record should be independent of the counter")
	}
}

func TestMemory_Sweep(t *testing.T) {
	mc := clock.NewManual(epoch)
	m := NewMemory(mc)

	m.Increment(ctx, "a")
	m.Expire(ctx, "a", time.Second)
	m.Increment(ctx, "b") // no expiry
	m.BlockUntil(ctx, "c", epoch.Add(time.Second))

	mc.Advance(2 * time.Second)
	m.Sweep()

	if got := m.Len(); got != 1 {
		t.Errorf("Len = %d after Sweep, want 1", got)
	}
}

func TestMemory_ConcurrentIncrements(t *testing.T) {
	m := NewMemory(clock.NewManual(epoch))

	const goroutines, each = 8, 250
	done := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < each; j++ {
				m.Increment(ctx, "shared")
			}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}

	v, _, _ := m.Get(ctx, "shared")
	if v != goroutines*each {
		t.Errorf("count = %d, want %d (increments must serialize)", v, goroutines*each)
	}
}
