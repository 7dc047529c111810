package cache

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rategate/rategate/internal/clock"
)

//go:embed take_token.lua
var takeTokenLua string

const (
	defaultRedisPrefix = "rategate:"
	redisPingTimeout   = 5 * time.Second

	counterKeyspace = "cnt:"
	blockKeyspace   = "blk:"
	bucketKeyspace  = "tb:"
)

// Redis is the shared-store Cache variant for deployments where several
// replicas must agree on one budget per identifier. Expiry is delegated to
// Redis TTLs, so unlike Memory there is no client-side sweep; Increment is a
// plain INCR.
//
// Counter, block, and token-bucket state live under separate key prefixes,
// which keeps the namespaces disjoint the same way Memory's two maps do.
type Redis struct {
	client redis.UniversalClient
	clock  clock.Clock
	prefix string
	take   *redis.Script
}

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithPrefix overrides the key prefix (default "rategate:").
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// NewRedis wires a Cache to an existing Redis client. It pings the server
// once so a bad address fails at construction instead of on the hot path.
func NewRedis(client redis.UniversalClient, clk clock.Clock, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client: client,
		clock:  clk,
		prefix: defaultRedisPrefix,
		take:   redis.NewScript(takeTokenLua),
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return r, nil
}

func (r *Redis) counterKey(key string) string {
	return r.prefix + counterKeyspace + key
}

func (r *Redis) blockKey(identifier string) string {
	return r.prefix + blockKeyspace + identifier
}

func (r *Redis) bucketKey(identifier string) string {
	return r.prefix + bucketKeyspace + identifier
}

func (r *Redis) Get(ctx context.Context, key string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, r.counterKey(key)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis get %q: non-integer value %q", key, raw)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value int64) error {
	// KEEPTTL preserves an existing expiry; a fresh key gets none.
	if err := r.client.Set(ctx, r.counterKey(key), value, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Increment(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Incr(ctx, r.counterKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.client.PExpire(ctx, r.counterKey(key), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis pexpire %q: %w", key, err)
	}
	if !ok {
		return ErrNoSuchKey
	}
	return nil
}

func (r *Redis) IsBlocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	raw, err := r.client.Get(ctx, r.blockKey(identifier)).Result()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("redis blocked %q: %w", identifier, err)
	}
	resetMilli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("redis blocked %q: bad reset %q", identifier, raw)
	}
	reset := time.UnixMilli(resetMilli)
	if !reset.After(r.clock.Now()) {
		// TTL should have cleared this already; don't trust a stale record.
		_ = r.client.Del(ctx, r.blockKey(identifier)).Err()
		return false, time.Time{}, nil
	}
	return true, reset, nil
}

func (r *Redis) BlockUntil(ctx context.Context, identifier string, reset time.Time) error {
	ttl := reset.Sub(r.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.blockKey(identifier), reset.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis block %q: %w", identifier, err)
	}
	return nil
}

func (r *Redis) Unblock(ctx context.Context, identifier string) error {
	if err := r.client.Del(ctx, r.blockKey(identifier)).Err(); err != nil {
		return fmt.Errorf("redis unblock %q: %w", identifier, err)
	}
	return nil
}

// TakeToken runs the refill-and-consume cycle as one Lua script so concurrent
// replicas cannot interleave between the read and the write.
func (r *Redis) TakeToken(ctx context.Context, identifier string, capacityMilli int64, refillPerMilli float64, nowMilli int64) (bool, int64, error) {
	res, err := r.take.Run(ctx, r.client,
		[]string{r.bucketKey(identifier)},
		capacityMilli, refillPerMilli, nowMilli,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis take token %q: %w", identifier, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("redis take token %q: unexpected result %T", identifier, res)
	}
	taken, _ := values[0].(int64)
	balance, _ := values[1].(int64)
	return taken == 1, balance, nil
}
