package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newMemoryCache(t *testing.T) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewMemoryCache(context.Background())
	c.now = clk.Now
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_SetGet(t *testing.T) {
	c, _ := newMemoryCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss")
	}
	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c, clk := newMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("1"), time.Second)
	_ = c.Set(ctx, "long", []byte("2"), time.Hour)

	clk.Advance(2 * time.Second)

	if _, ok := c.Get(ctx, "short"); ok {
		t.Fatal("short entry should have expired")
	}
	got := c.GetMany(ctx, []string{"short", "long"})
	if len(got) != 1 || string(got["long"]) != "2" {
		t.Fatalf("GetMany = %v", got)
	}

	c.evictExpired()
	if c.Len() != 1 {
		t.Fatalf("Len after eviction = %d, want 1", c.Len())
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clk := newMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(59 * time.Minute)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("zero ttl should default to one hour")
	}
	clk.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should expire after one hour")
	}
}

func TestMemoryCache_DeleteAndClose(t *testing.T) {
	c, _ := newMemoryCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}

	c.Close()
	c.Close() // idempotent
}
