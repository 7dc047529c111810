package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
	"github.com/rategate/rategate/internal/config"
	"github.com/rategate/rategate/internal/limiter"
	"github.com/rategate/rategate/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		cfgFile   string
		addr      string
		algorithm string
		rate      int
		window    time.Duration
		burst     int
		redisAddr string
		failOpen  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission HTTP server",
		Long: `Starts an HTTP server exposing admission checks at /api/check/{identifier},
with live verdicts streamed over /ws. Configuration is resolved from defaults,
then the optional config file, then RATEGATE_* environment variables, then
command line flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				loaded, err := config.LoadFile(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			cfg, err := config.FromEnv(cfg)
			if err != nil {
				return fmt.Errorf("read environment: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("algorithm") {
				cfg.Limiter.Algorithm = limiter.Algorithm(algorithm)
			}
			if flags.Changed("rate") {
				cfg.Limiter.Rate = rate
			}
			if flags.Changed("window") {
				cfg.Limiter.Window = window
			}
			if flags.Changed("burst") {
				cfg.Limiter.Burst = burst
			}
			if flags.Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if flags.Changed("fail-open") {
				cfg.FailOpen = failOpen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			clk := clock.NewReal()
			store, err := buildCache(cfg, clk)
			if err != nil {
				return err
			}
			lim, err := limiter.New(cfg.Limiter, store, clk)
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server.Addr, lim, clk, server.Options{
				Hub:      server.NewHub(),
				FailOpen: cfg.FailOpen,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("admitting %d per %s (%s)", cfg.Limiter.Rate, cfg.Limiter.Window, cfg.Limiter.Algorithm)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Println("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a JSON config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "listen address")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(limiter.AlgorithmFixedWindow), "fixed_window, sliding_window or token_bucket")
	cmd.Flags().IntVarP(&rate, "rate", "r", 10, "requests allowed per window")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address, e.g. localhost:6379 (empty: in-memory cache)")
	cmd.Flags().DurationVarP(&window, "window", "w", time.Minute, "window duration")
	cmd.Flags().IntVarP(&burst, "burst", "b", 0, "token bucket capacity (0: same as rate)")
	cmd.Flags().BoolVar(&failOpen, "fail-open", false, "admit requests when the backing store fails")

	return cmd
}

// buildCache picks the cache backend: Redis when an address is configured,
// otherwise the in-process map.
func buildCache(cfg config.Config, clk clock.Clock) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(clk), nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store, err := cache.NewRedis(client, clk)
	if err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return store, nil
}
