package cache

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rategate/rategate/internal/clock"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mc := clock.NewManual(epoch)
	r, err := NewRedis(client, mc)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return r, mr, mc
}

func TestRedis_IncrementAndGet(t *testing.T) {
	r, _, _ := newTestRedis(t)

	if v, err := r.Increment(ctx, "user:1"); err != nil || v != 1 {
		t.Fatalf("Increment = (%d, %v), want (1, nil)", v, err)
	}
	if v, err := r.Increment(ctx, "user:1"); err != nil || v != 2 {
		t.Fatalf("Increment = (%d, %v), want (2, nil)", v, err)
	}

	v, ok, err := r.Get(ctx, "user:1")
	if err != nil || !ok || v != 2 {
		t.Errorf("Get = (%d, %v, %v), want (2, true, nil)", v, ok, err)
	}
}

func TestRedis_GetAbsent(t *testing.T) {
	r, _, _ := newTestRedis(t)

	_, ok, err := r.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("absent key should report ok=false")
	}
}

func TestRedis_ExpireAbsentKey(t *testing.T) {
	r, _, _ := newTestRedis(t)

	if err := r.Expire(ctx, "ghost", time.Second); err != ErrNoSuchKey {
		t.Errorf("Expire on absent key = %v, want ErrNoSuchKey", err)
	}
}

func TestRedis_ExpireEvicts(t *testing.T) {
	r, mr, _ := newTestRedis(t)

	r.Increment(ctx, "k")
	if err := r.Expire(ctx, "k", 100*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	mr.FastForward(101 * time.Millisecond)

	if _, ok, _ := r.Get(ctx, "k"); ok {
		t.Error("key should be gone after TTL")
	}
}

func TestRedis_SetPreservesTTL(t *testing.T) {
	r, mr, _ := newTestRedis(t)

	r.Increment(ctx, "k")
	r.Expire(ctx, "k", time.Second)
	if err := r.Set(ctx, "k", 40); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if ttl := mr.TTL("rategate:cnt:k"); ttl <= 0 {
		t.Errorf("TTL = %v after Set, want preserved positive TTL", ttl)
	}
	if v, ok, _ := r.Get(ctx, "k"); !ok || v != 40 {
		t.Errorf("Get = (%d, %v), want (40, true)", v, ok)
	}
}

func TestRedis_BlockRoundTrip(t *testing.T) {
	r, _, mc := newTestRedis(t)

	reset := epoch.Add(10 * time.Second)
	if err := r.BlockUntil(ctx, "ip:9.9.9.9", reset); err != nil {
		t.Fatalf("BlockUntil: %v", err)
	}

	blocked, got, err := r.IsBlocked(ctx, "ip:9.9.9.9")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if !blocked || !got.Equal(reset) {
		t.Errorf("IsBlocked = (%v, %v), want (true, %v)", blocked, got, reset)
	}

	// A lapsed record reads as unblocked even if the TTL has not fired yet.
	mc.Advance(11 * time.Second)
	blocked, _, _ = r.IsBlocked(ctx, "ip:9.9.9.9")
	if blocked {
		t.Error("block should lift once reset has passed")
	}
}

func TestRedis_Unblock(t *testing.T) {
	r, _, _ := newTestRedis(t)

	r.BlockUntil(ctx, "x", epoch.Add(time.Hour))
	if err := r.Unblock(ctx, "x"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if blocked, _, _ := r.IsBlocked(ctx, "x"); blocked {
		t.Error("Unblock should remove the record")
	}
}

func TestRedis_WithPrefix(t *testing.T) {
	r, mr, _ := newTestRedis(t)

	custom, err := NewRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		clock.NewManual(epoch), WithPrefix("myapp:"))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}

	custom.Increment(ctx, "k")
	if !mr.Exists("myapp:cnt:k") {
		t.Error("expected key under custom prefix")
	}
	if v, ok, _ := r.Get(ctx, "k"); ok {
		t.Errorf("default-prefix cache sees %d, prefixes should isolate", v)
	}
}

func TestRedis_TakeToken(t *testing.T) {
	r, _, _ := newTestRedis(t)

	const capMilli = 3000 // 3 tokens
	const rate = 1.0      // 1 milli-token per ms = 1 token/s
	now := epoch.UnixMilli()

	for i := 0; i < 3; i++ {
		taken, _, err := r.TakeToken(ctx, "svc", capMilli, rate, now)
		if err != nil {
			t.Fatalf("TakeToken: %v", err)
		}
		if !taken {
			t.Fatalf("take %d should succeed", i+1)
		}
	}

	taken, bal, err := r.TakeToken(ctx, "svc", capMilli, rate, now)
	if err != nil {
		t.Fatalf("TakeToken: %v", err)
	}
	if taken {
		t.Error("empty bucket should deny")
	}
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}

	// One second later a single token has accrued.
	taken, _, err = r.TakeToken(ctx, "svc", capMilli, rate, now+1000)
	if err != nil {
		t.Fatalf("TakeToken: %v", err)
	}
	if !taken {
		t.Error("one token should have refilled after 1s")
	}
}
