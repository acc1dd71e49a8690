// Package cache provides the small TTL key/value store shared by the key
// pool (cooldown marks) and the proxy (model list).
//
// Two backends are available:
//   - RedisCache  shares state across replicas.
//   - MemoryCache is in-process with zero external dependencies.
//
// Both implement Cache so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// GetMany returns the live entries among keys. Missing or expired keys
	// are absent from the result.
	GetMany(ctx context.Context, keys []string) map[string][]byte
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
