// Package keypool owns the set of upstream API keys: which keys are
// currently eligible for dispatch, and how an upstream failure penalizes
// the key that produced it.
//
// Two mechanisms withhold a key:
//   - a cooldown mark with a TTL (rate-limited or invalid keys), stored in a
//     cache.Cache so replicas sharing Redis agree on it;
//   - a per-key circuit breaker for repeated server-side failures.
//
// When every key is withheld the pool hands out the full list rather than
// none, so a request still gets a chance instead of failing outright.
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/keyrelay/internal/cache"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
)

// Default cooldown durations.
const (
	DefaultRateLimitCooldown  = 5 * time.Minute
	DefaultInvalidKeyCooldown = 24 * time.Hour
)

// ErrNoKeys is returned by New when no usable key is configured.
var ErrNoKeys = errors.New("keypool: no API keys configured")

// Options configures a Pool. Every field is optional.
type Options struct {
	// Cooldowns stores cooldown marks. Nil disables cooldowns.
	Cooldowns cache.Cache

	RateLimitCooldown  time.Duration
	InvalidKeyCooldown time.Duration

	Breaker BreakerConfig

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// KeyStatus is a point-in-time view of one key for dashboards and health.
type KeyStatus struct {
	Key      string `json:"key"`
	Active   bool   `json:"active"`
	Cooldown string `json:"cooldown,omitempty"`
	Breaker  string `json:"breaker"`
}

// Pool is safe for concurrent use.
type Pool struct {
	keys []string
	fps  map[string]string // key → cooldown fingerprint

	cooldowns          cache.Cache
	rateLimitCooldown  time.Duration
	invalidKeyCooldown time.Duration
	breaker            *Breaker

	log     *slog.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	tried map[string]struct{}
}

// New builds a Pool from keys. Blank entries are dropped and duplicates are
// collapsed, preserving first-seen order.
func New(keys []string, opts Options) (*Pool, error) {
	p := &Pool{
		fps:                make(map[string]string),
		cooldowns:          opts.Cooldowns,
		rateLimitCooldown:  opts.RateLimitCooldown,
		invalidKeyCooldown: opts.InvalidKeyCooldown,
		breaker:            NewBreaker(opts.Breaker),
		log:                opts.Logger,
		metrics:            opts.Metrics,
		tried:              make(map[string]struct{}),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.rateLimitCooldown <= 0 {
		p.rateLimitCooldown = DefaultRateLimitCooldown
	}
	if p.invalidKeyCooldown <= 0 {
		p.invalidKeyCooldown = DefaultInvalidKeyCooldown
	}

	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := p.fps[k]; dup {
			continue
		}
		p.keys = append(p.keys, k)
		p.fps[k] = fingerprint(k)
	}
	if len(p.keys) == 0 {
		return nil, ErrNoKeys
	}
	return p, nil
}

// Size returns the number of configured keys.
func (p *Pool) Size() int { return len(p.keys) }

// Keys returns the keys currently eligible for dispatch, in configuration
// order. The returned slice is owned by the caller.
func (p *Pool) Keys(ctx context.Context) []string {
	cooling := p.coolingSet(ctx)

	out := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if _, ok := cooling[k]; ok {
			continue
		}
		if !p.breaker.Available(k) {
			continue
		}
		out = append(out, k)
	}

	if len(out) == 0 {
		p.log.WarnContext(ctx, "all_keys_withheld",
			slog.Int("keys", len(p.keys)),
		)
		return slices.Clone(p.keys)
	}
	return out
}

// ResetTried clears the set of keys that failed since the last reset.
func (p *Pool) ResetTried() {
	p.mu.Lock()
	clear(p.tried)
	p.mu.Unlock()
}

// TriedCount returns how many distinct keys failed since the last reset.
func (p *Pool) TriedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tried)
}

// HandleError classifies err, applies the penalty it implies to key, logs
// it, and returns a human-readable failure detail.
func (p *Pool) HandleError(ctx context.Context, err error, key string) string {
	reason := Classify(err)

	p.mu.Lock()
	p.tried[key] = struct{}{}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordKeyError(reason)
	}

	switch reason {
	case ReasonInvalidKey:
		p.cool(ctx, key, reason, p.invalidKeyCooldown)
	case ReasonRateLimited:
		p.cool(ctx, key, reason, p.rateLimitCooldown)
	case ReasonServerError, ReasonTimeout, ReasonUnknown, ReasonPanic:
		p.breaker.RecordFailure(key)
		p.reportBreaker(key)
	}

	p.log.WarnContext(ctx, "key_error",
		slog.String("key", Redact(key)),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	return describe(reason, err)
}

// RecordSuccess closes the breaker for key.
func (p *Pool) RecordSuccess(key string) {
	if p.breaker.State(key) == BreakerClosed {
		return
	}
	p.breaker.RecordSuccess(key)
	p.reportBreaker(key)
}

// Status reports the state of every configured key.
func (p *Pool) Status(ctx context.Context) []KeyStatus {
	cooling := p.coolingSet(ctx)

	out := make([]KeyStatus, 0, len(p.keys))
	for _, k := range p.keys {
		reason, isCooling := cooling[k]
		state := p.breaker.State(k)
		out = append(out, KeyStatus{
			Key:      Redact(k),
			Active:   !isCooling && state != BreakerOpen,
			Cooldown: reason,
			Breaker:  state.String(),
		})
	}
	return out
}

// ActiveCount returns how many keys are currently eligible without the
// all-withheld fallback.
func (p *Pool) ActiveCount(ctx context.Context) int {
	n := 0
	for _, s := range p.Status(ctx) {
		if s.Active {
			n++
		}
	}
	return n
}

func (p *Pool) cool(ctx context.Context, key, reason string, ttl time.Duration) {
	if p.cooldowns == nil {
		return
	}
	if err := p.cooldowns.Set(ctx, p.fps[key], []byte(reason), ttl); err != nil {
		p.log.WarnContext(ctx, "key_cooldown_error",
			slog.String("key", Redact(key)),
			slog.String("error", err.Error()),
		)
		return
	}
	if p.metrics != nil {
		p.metrics.RecordKeyCooldown(reason)
	}
	p.log.InfoContext(ctx, "key_cooldown",
		slog.String("key", Redact(key)),
		slog.String("reason", reason),
		slog.Duration("ttl", ttl),
	)
}

// coolingSet returns key → cooldown reason for every cooling key.
func (p *Pool) coolingSet(ctx context.Context) map[string]string {
	out := make(map[string]string)
	if p.cooldowns == nil {
		return out
	}

	fps := make([]string, len(p.keys))
	byFP := make(map[string]string, len(p.keys))
	for i, k := range p.keys {
		fps[i] = p.fps[k]
		byFP[p.fps[k]] = k
	}

	for fp, reason := range p.cooldowns.GetMany(ctx, fps) {
		out[byFP[fp]] = string(reason)
	}
	return out
}

func (p *Pool) reportBreaker(key string) {
	if p.metrics != nil {
		p.metrics.SetBreakerState(Redact(key), int64(p.breaker.State(key)))
	}
}

// fingerprint derives the storage id for a key so raw keys never reach the
// cooldown store.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:12])
}

// Redact shortens key for logs and dashboards.
func Redact(key string) string {
	if len(key) <= 10 {
		return key[:min(2, len(key))] + "***"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
