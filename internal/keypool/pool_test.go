package keypool

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keyrelay/internal/cache"
)

func newMemoryPool(t *testing.T, keys []string, opts Options) *Pool {
	t.Helper()
	if opts.Cooldowns == nil {
		mc := cache.NewMemoryCache(context.Background())
		t.Cleanup(mc.Close)
		opts.Cooldowns = mc
	}
	p, err := New(keys, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_DedupesAndTrims(t *testing.T) {
	p := newMemoryPool(t, []string{" key-a ", "key-b", "", "key-a"}, Options{})

	got := p.Keys(context.Background())
	if !slices.Equal(got, []string{"key-a", "key-b"}) {
		t.Fatalf("Keys = %v", got)
	}
	if p.Size() != 2 {
		t.Fatalf("Size = %d", p.Size())
	}
}

func TestNew_NoKeys(t *testing.T) {
	if _, err := New([]string{"", "  "}, Options{}); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestKeys_ReturnsCopy(t *testing.T) {
	p := newMemoryPool(t, []string{"key-a", "key-b"}, Options{})

	keys := p.Keys(context.Background())
	keys[0] = "mutated"

	if p.Keys(context.Background())[0] != "key-a" {
		t.Fatal("Keys must not expose internal storage")
	}
}

func TestHandleError_RateLimitCoolsKey(t *testing.T) {
	p := newMemoryPool(t, []string{"key-a", "key-b"}, Options{})
	ctx := context.Background()

	detail := p.HandleError(ctx, &statusErr{429, "quota"}, "key-a")
	if !strings.Contains(detail, ReasonRateLimited) {
		t.Errorf("detail = %q", detail)
	}
	if got := p.Keys(ctx); !slices.Equal(got, []string{"key-b"}) {
		t.Fatalf("Keys after 429 = %v, want [key-b]", got)
	}
	if p.TriedCount() != 1 {
		t.Errorf("TriedCount = %d, want 1", p.TriedCount())
	}

	p.ResetTried()
	if p.TriedCount() != 0 {
		t.Errorf("TriedCount after reset = %d", p.TriedCount())
	}
}

func TestHandleError_BadRequestNoPenalty(t *testing.T) {
	p := newMemoryPool(t, []string{"key-a"}, Options{Breaker: BreakerConfig{ErrorThreshold: 1}})
	ctx := context.Background()

	p.HandleError(ctx, &statusErr{400, "bad contents"}, "key-a")
	p.HandleError(ctx, context.Canceled, "key-a")

	if p.ActiveCount(ctx) != 1 {
		t.Fatal("bad_request and canceled must not withhold the key")
	}
}

func TestHandleError_ServerErrorsTripBreaker(t *testing.T) {
	p := newMemoryPool(t, []string{"key-a", "key-b"}, Options{Breaker: BreakerConfig{ErrorThreshold: 2}})
	ctx := context.Background()

	p.HandleError(ctx, &statusErr{500, "boom"}, "key-a")
	if len(p.Keys(ctx)) != 2 {
		t.Fatal("single failure should not trip the breaker")
	}
	p.HandleError(ctx, &statusErr{503, "boom"}, "key-a")
	if got := p.Keys(ctx); !slices.Equal(got, []string{"key-b"}) {
		t.Fatalf("Keys = %v, want [key-b]", got)
	}

	p.RecordSuccess("key-a")
	if len(p.Keys(ctx)) != 2 {
		t.Fatal("success should close the breaker")
	}
}

func TestKeys_AllWithheldFallsBackToFullList(t *testing.T) {
	p := newMemoryPool(t, []string{"key-a", "key-b"}, Options{})
	ctx := context.Background()

	p.HandleError(ctx, &statusErr{401, "bad key"}, "key-a")
	p.HandleError(ctx, &statusErr{429, "quota"}, "key-b")

	if got := p.Keys(ctx); !slices.Equal(got, []string{"key-a", "key-b"}) {
		t.Fatalf("Keys = %v, want full list", got)
	}
	if p.ActiveCount(ctx) != 0 {
		t.Fatalf("ActiveCount = %d, want 0", p.ActiveCount(ctx))
	}
}

func TestStatus(t *testing.T) {
	p := newMemoryPool(t, []string{"AIzaSyA-first-key-1111", "AIzaSyB-second-key-2222"}, Options{})
	ctx := context.Background()

	p.HandleError(ctx, &statusErr{429, "quota"}, "AIzaSyA-first-key-1111")

	st := p.Status(ctx)
	if len(st) != 2 {
		t.Fatalf("Status len = %d", len(st))
	}
	if st[0].Active || st[0].Cooldown != ReasonRateLimited {
		t.Errorf("first key status = %+v", st[0])
	}
	if !st[1].Active || st[1].Breaker != "closed" {
		t.Errorf("second key status = %+v", st[1])
	}
	if st[0].Key != "AIzaSy...1111" {
		t.Errorf("expected redacted key, got %q", st[0].Key)
	}
}

func TestCooldowns_SharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := []string{"key-a", "key-b"}
	opts := Options{
		Cooldowns:         cache.NewRedisCache(rdb, "keyrelay:cooldown:"),
		RateLimitCooldown: 30 * time.Second,
	}

	// Two pools stand in for two replicas sharing one Redis.
	p1, err := New(keys, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p2, err := New(keys, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	p1.HandleError(ctx, &statusErr{429, "quota"}, "key-a")

	if got := p2.Keys(ctx); !slices.Equal(got, []string{"key-b"}) {
		t.Fatalf("replica 2 Keys = %v, want [key-b]", got)
	}

	for _, k := range mr.Keys() {
		if strings.Contains(k, "key-a") {
			t.Fatalf("raw key leaked into redis: %q", k)
		}
	}

	mr.FastForward(31 * time.Second)
	if got := p2.Keys(ctx); len(got) != 2 {
		t.Fatalf("Keys after cooldown = %v", got)
	}
}

func TestRedact(t *testing.T) {
	tests := map[string]string{
		"AIzaSyD-abcdefghijklmnop": "AIzaSy...mnop",
		"short":                    "sh***",
		"k":                        "k***",
		"":                         "***",
	}
	for in, want := range tests {
		if got := Redact(in); got != want {
			t.Errorf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}
