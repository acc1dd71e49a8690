package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestCache starts a miniredis server and returns a RedisCache backed by
// it under the "test:" namespace.
func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, "test:"), mr
}

// TestGetMiss verifies that Get returns (nil, false) when the key is absent.
func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

// TestSetAndGetHit verifies that a value written with Set can be read back
// and is stored under the namespace.
func TestSetAndGetHit(t *testing.T) {
	c, mr := newTestCache(t)

	want := []byte(`rate_limited`)
	if err := c.Set(context.Background(), "k1", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
	if !mr.Exists("test:k1") {
		t.Fatal("expected key to be stored under the namespace prefix")
	}
}

// TestTTLIsSet verifies that the TTL is stored in Redis by advancing
// miniredis time past the TTL and confirming the key expires.
func TestTTLIsSet(t *testing.T) {
	c, mr := newTestCache(t)

	ttl := 10 * time.Second
	if err := c.Set(context.Background(), "ttl-key", []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestGetMany(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Minute)
	_ = c.Set(ctx, "b", []byte("2"), 5*time.Second)

	got := c.GetMany(ctx, []string{"a", "b", "c"})
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("unexpected GetMany result %v", got)
	}

	mr.FastForward(10 * time.Second)

	got = c.GetMany(ctx, []string{"a", "b", "c"})
	if len(got) != 1 || string(got["a"]) != "1" {
		t.Fatalf("expected only 'a' after expiry, got %v", got)
	}

	if len(c.GetMany(ctx, nil)) != 0 {
		t.Fatal("expected empty result for no keys")
	}
}

// TestDelete verifies that Delete removes an existing key and tolerates a
// missing one.
func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "delete-key", []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "delete-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "delete-key"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

// TestGracefulDegradation verifies that reads miss and writes succeed when
// Redis is unreachable.
func TestGracefulDegradation(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	ctx := context.Background()
	if data, ok := c.Get(ctx, "any-key"); ok || data != nil {
		t.Fatalf("expected miss when Redis is down, got %v %v", data, ok)
	}
	if got := c.GetMany(ctx, []string{"a"}); len(got) != 0 {
		t.Fatalf("expected empty GetMany when Redis is down, got %v", got)
	}
	if err := c.Set(ctx, "any-key", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

// TestCacheImplementsInterface is a compile-time assertion that both
// backends satisfy Cache.
func TestCacheImplementsInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
}
