package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed Cache. Every key is stored under a namespace
// prefix so several caches can share one database.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) and GetMany an empty map on any error.
//   - Set returns nil even on error (silent degradation keeps requests alive).
//   - Delete returns the underlying error so callers can log/handle it.
type RedisCache struct {
	client       *redis.Client
	namespace    string
	queryTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle (creation and Close).
func NewRedisCache(redisCli *redis.Client, namespace string) *RedisCache {
	return &RedisCache{client: redisCli, namespace: namespace, queryTimeout: defaultQueryTimeout}
}

func (c *RedisCache) key(k string) string { return c.namespace + k }

// Get retrieves the value for key from Redis.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("namespace", c.namespace),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// GetMany fetches all keys in a single MGET round trip.
func (c *RedisCache) GetMany(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte)
	if len(keys) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	vals, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		slog.WarnContext(ctx, "cache_mget_error",
			slog.String("namespace", c.namespace),
			slog.String("error", err.Error()),
		)
		return out
	}

	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("namespace", c.namespace),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil, degrade gracefully
}

// Delete removes key from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", c.key(key), err)
	}

	return nil
}
