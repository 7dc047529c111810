package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rategate/rategate/internal/limiter"
)

// Config is the top-level configuration for a rategate process.
type Config struct {
	Server  ServerConfig   `json:"server"`
	Limiter limiter.Config `json:"limiter"`
	Redis   RedisConfig    `json:"redis"`

	// FailOpen admits requests when a verdict cannot be computed (shared
	// store unreachable, deadline exceeded). Policy of the embedding
	// layer, never of the algorithms.
	FailOpen bool `json:"fail_open"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// RedisConfig selects the shared-store cache. An empty Addr means the
// in-process cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Default returns a Config with sensible defaults: in-process cache, fixed
// window, 10 requests per minute.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Limiter: limiter.Config{
			Algorithm: limiter.AlgorithmFixedWindow,
			Rate:      10,
			Window:    time.Minute,
		},
	}
}

// Validate checks that the config can build a limiter. Called before any
// request is evaluated, so bad limits never reach the algorithms.
func (c Config) Validate() error {
	if c.Limiter.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", c.Limiter.Rate)
	}
	if c.Limiter.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Limiter.Window)
	}
	if c.Limiter.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", c.Limiter.Burst)
	}
	switch c.Limiter.Algorithm {
	case limiter.AlgorithmFixedWindow, limiter.AlgorithmSlidingWindow, limiter.AlgorithmTokenBucket:
	default:
		return fmt.Errorf("unknown algorithm %q, must be one of: fixed_window, sliding_window, token_bucket", c.Limiter.Algorithm)
	}
	return nil
}

// rawConfig mirrors Config with string durations so JSON files can say "30s"
// or "1m" instead of nanosecond counts.
type rawConfig struct {
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
	Limiter struct {
		Algorithm string `json:"algorithm"`
		Rate      int    `json:"rate"`
		Window    string `json:"window"`
		Burst     int    `json:"burst"`
	} `json:"limiter"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	FailOpen *bool `json:"fail_open"`
}

// LoadFile reads a JSON config file and merges it over the defaults. Fields
// absent from the file keep their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if raw.Server.Addr != "" {
		cfg.Server.Addr = raw.Server.Addr
	}
	if raw.Limiter.Algorithm != "" {
		cfg.Limiter.Algorithm = limiter.Algorithm(raw.Limiter.Algorithm)
	}
	if raw.Limiter.Rate > 0 {
		cfg.Limiter.Rate = raw.Limiter.Rate
	}
	if raw.Limiter.Window != "" {
		w, err := time.ParseDuration(raw.Limiter.Window)
		if err != nil {
			return cfg, fmt.Errorf("parsing window %q: %w", raw.Limiter.Window, err)
		}
		cfg.Limiter.Window = w
	}
	if raw.Limiter.Burst > 0 {
		cfg.Limiter.Burst = raw.Limiter.Burst
	}
	cfg.Redis.Addr = raw.Redis.Addr
	cfg.Redis.Password = raw.Redis.Password
	cfg.Redis.DB = raw.Redis.DB
	if raw.FailOpen != nil {
		cfg.FailOpen = *raw.FailOpen
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables onto cfg. A .env file in the
// working directory is honored when present.
//
//	RATEGATE_ADDR            listen address
//	RATEGATE_ALGORITHM       fixed_window | sliding_window | token_bucket
//	RATEGATE_RATE            requests per window
//	RATEGATE_WINDOW          window duration, e.g. "10s"
//	RATEGATE_BURST           token bucket capacity
//	RATEGATE_FAIL_OPEN       "true" to admit on evaluation failure
//	RATEGATE_REDIS_ADDR      shared-store address (empty = in-process)
//	RATEGATE_REDIS_PASSWORD
//	RATEGATE_REDIS_DB
func FromEnv(cfg Config) (Config, error) {
	_ = godotenv.Load()

	cfg.Server.Addr = envString("RATEGATE_ADDR", cfg.Server.Addr)
	if v := envString("RATEGATE_ALGORITHM", ""); v != "" {
		cfg.Limiter.Algorithm = limiter.Algorithm(v)
	}
	if v := envString("RATEGATE_RATE", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RATEGATE_RATE: %w", err)
		}
		cfg.Limiter.Rate = n
	}
	if v := envString("RATEGATE_WINDOW", ""); v != "" {
		w, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("RATEGATE_WINDOW: %w", err)
		}
		cfg.Limiter.Window = w
	}
	if v := envString("RATEGATE_BURST", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RATEGATE_BURST: %w", err)
		}
		cfg.Limiter.Burst = n
	}
	if v := envString("RATEGATE_FAIL_OPEN", ""); v != "" {
		cfg.FailOpen = strings.EqualFold(v, "true") || v == "1"
	}
	cfg.Redis.Addr = envString("RATEGATE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("RATEGATE_REDIS_PASSWORD", cfg.Redis.Password)
	if v := envString("RATEGATE_REDIS_DB", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("RATEGATE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
