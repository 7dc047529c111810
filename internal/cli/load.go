package cli

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

func newLoadCmd() *cobra.Command {
	var (
		url         string
		rps         float64
		duration    time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Send paced HTTP load at a running rategate server",
		Long: `Fires admission checks at a running server at a fixed request rate and
reports the status code distribution. Useful for watching the configured
limit kick in: a server limited below the offered rate shows a mix of
200s and 429s in proportion to the headroom.`,
		Example: `  rategate load --url http://localhost:8080/api/check/load-test --rps 50 --duration 10s
  rategate load --rps 200 --concurrency 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rps <= 0 {
				return fmt.Errorf("rps must be positive, got %v", rps)
			}
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			report := runLoad(ctx, url, rps, concurrency)
			printLoad(url, rps, duration, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/api/check/load-test", "endpoint to hit")
	cmd.Flags().Float64Var(&rps, "rps", 50, "requests per second to offer")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "concurrent workers")

	return cmd
}

// loadReport tallies outcomes across all workers.
type loadReport struct {
	mu       sync.Mutex
	statuses map[int]int
	errors   int
	sent     int
	elapsed  time.Duration
}

func (r *loadReport) record(status int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
	if err != nil {
		r.errors++
		return
	}
	r.statuses[status]++
}

func runLoad(ctx context.Context, url string, rps float64, concurrency int) *loadReport {
	report := &loadReport{statuses: make(map[int]int)}

	// One pacer shared by all workers keeps the offered rate global rather
	// than per worker.
	pacer := rate.NewLimiter(rate.Limit(rps), 1)
	client := &http.Client{Timeout: 5 * time.Second}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := pacer.Wait(ctx); err != nil {
					return
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					report.record(0, err)
					continue
				}
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					report.record(0, err)
					continue
				}
				resp.Body.Close()
				report.record(resp.StatusCode, nil)
			}
		}()
	}
	wg.Wait()
	report.elapsed = time.Since(start)

	return report
}

func printLoad(url string, rps float64, duration time.Duration, r *loadReport) {
	if r.sent == 0 {
		fmt.Println("no requests sent")
		return
	}

	fmt.Println("=== Rategate Load Run ===")
	fmt.Printf("target:   %s\n", url)
	fmt.Printf("offered:  %.1f req/s for %s\n", rps, duration)
	fmt.Printf("sent:     %d in %s (%.1f req/s actual)\n",
		r.sent, r.elapsed.Round(time.Millisecond), float64(r.sent)/r.elapsed.Seconds())
	fmt.Println()

	codes := make([]int, 0, len(r.statuses))
	for code := range r.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Println("--- Status codes ---")
	for _, code := range codes {
		count := r.statuses[code]
		fmt.Printf("  %d: %6d (%.1f%%)\n", code, count, 100*float64(count)/float64(r.sent))
	}
	if r.errors > 0 {
		fmt.Printf("  err: %5d (%.1f%%)\n", r.errors, 100*float64(r.errors)/float64(r.sent))
	}
}
