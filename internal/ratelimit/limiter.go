// Package ratelimit enforces the gateway's request limits using Redis sliding
// window counters driven by an atomic Lua script: one global
// requests-per-minute window and one requests-per-day window per client IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keyrelay/internal/metrics"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const (
	rpmKey      = "keyrelay:ratelimit:rpm"
	ipKeyPrefix = "keyrelay:ratelimit:ip:"

	dayWindow = 24 * time.Hour
)

// Scope labels for metrics.
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
)

// Limits configures a Limiter. A limit ≤ 0 disables that check.
type Limits struct {
	RequestsPerMinute  int
	RequestsPerDayByIP int
}

// Limiter checks the configured limits. A nil *Limiter allows everything.
type Limiter struct {
	rdb     *redis.Client
	limits  Limits
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a Limiter backed by rdb.
func New(rdb *redis.Client, limits Limits, m *metrics.Registry) *Limiter {
	return &Limiter{rdb: rdb, limits: limits, metrics: m, now: time.Now}
}

// Limits returns the configured limits.
func (l *Limiter) Limits() Limits {
	if l == nil {
		return Limits{}
	}
	return l.limits
}

// AllowGlobal reports whether the request fits the global per-minute limit.
func (l *Limiter) AllowGlobal(ctx context.Context) bool {
	if l == nil {
		return true
	}
	return l.check(ctx, ScopeGlobal, rpmKey, time.Minute, l.limits.RequestsPerMinute)
}

// AllowIP reports whether a request from ip fits the per-IP daily limit.
func (l *Limiter) AllowIP(ctx context.Context, ip string) bool {
	if l == nil || ip == "" {
		return true
	}
	return l.check(ctx, ScopeIP, ipKeyPrefix+ip+":day", dayWindow, l.limits.RequestsPerDayByIP)
}

func (l *Limiter) check(ctx context.Context, scope, key string, window time.Duration, limit int) bool {
	if limit <= 0 || l.rdb == nil {
		return true
	}

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		l.now().UnixNano(), window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request.
		l.record(scope, "degraded")
		return true
	}

	if result != 1 {
		l.record(scope, "limited")
		return false
	}
	l.record(scope, "allowed")
	return true
}

func (l *Limiter) record(scope, result string) {
	if l.metrics != nil {
		l.metrics.RecordRateLimit(scope, result)
	}
}
