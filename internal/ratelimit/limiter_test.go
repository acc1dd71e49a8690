package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keyrelay/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestAllowGlobal_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.New(rdb, ratelimit.Limits{RequestsPerMinute: limit}, nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if !limiter.AllowGlobal(ctx) {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	if limiter.AllowGlobal(ctx) {
		t.Error("expected request blocked after limit exceeded")
	}
}

func TestAllowIP_PerAddress(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.Limits{RequestsPerDayByIP: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if !limiter.AllowIP(ctx, "10.0.0.1") {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
	if limiter.AllowIP(ctx, "10.0.0.1") {
		t.Error("expected 10.0.0.1 to be blocked")
	}
	if !limiter.AllowIP(ctx, "10.0.0.2") {
		t.Error("limit must be tracked per address")
	}

	// The global window is unlimited here.
	if !limiter.AllowGlobal(ctx) {
		t.Error("zero global limit must allow")
	}
}

func TestZeroLimitsAllow(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, ratelimit.Limits{}, nil)
	for i := 0; i < 100; i++ {
		if !limiter.AllowGlobal(context.Background()) || !limiter.AllowIP(context.Background(), "1.2.3.4") {
			t.Fatal("zero limits must always allow")
		}
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *ratelimit.Limiter
	if !limiter.AllowGlobal(context.Background()) || !limiter.AllowIP(context.Background(), "1.2.3.4") {
		t.Fatal("nil limiter must allow")
	}
	if limiter.Limits() != (ratelimit.Limits{}) {
		t.Fatal("nil limiter reports limits")
	}
}

func TestDegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls; the limiter must allow requests.
	cleanup()

	limiter := ratelimit.New(rdb, ratelimit.Limits{RequestsPerMinute: 5, RequestsPerDayByIP: 5}, nil)
	if !limiter.AllowGlobal(context.Background()) {
		t.Error("expected allowed when Redis is unavailable (graceful degradation)")
	}
	if !limiter.AllowIP(context.Background(), "1.2.3.4") {
		t.Error("expected allowed when Redis is unavailable (graceful degradation)")
	}
}
