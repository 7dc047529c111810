package limiter

import (
	"fmt"
	"testing"
	"time"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
)

func benchLimiter(b *testing.B, algo Algorithm) {
	clk := clock.NewReal()
	lim, err := New(Config{
		Algorithm: algo,
		Rate:      1_000_000, // high enough that the happy path dominates
		Window:    time.Minute,
	}, cache.NewMemory(clk), clk)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lim.Evaluate(ctx, "bench-user")
	}
}

func BenchmarkFixedWindow(b *testing.B)   { benchLimiter(b, AlgorithmFixedWindow) }
func BenchmarkSlidingWindow(b *testing.B) { benchLimiter(b, AlgorithmSlidingWindow) }
func BenchmarkTokenBucket(b *testing.B)   { benchLimiter(b, AlgorithmTokenBucket) }

func BenchmarkFixedWindow_ManyIdentifiers(b *testing.B) {
	clk := clock.NewReal()
	lim, err := NewFixedWindow(cache.NewMemory(clk), clk, 1_000_000, time.Minute)
	if err != nil {
		b.Fatal(err)
	}
	keys := make([]string, 512)
	for i := range keys {
		keys[i] = fmt.Sprintf("user-%d", i)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lim.Evaluate(ctx, keys[i%len(keys)])
	}
}
