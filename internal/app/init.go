package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/cache"
	"github.com/nulpointcorp/keyrelay/internal/config"
	"github.com/nulpointcorp/keyrelay/internal/dispatch"
	"github.com/nulpointcorp/keyrelay/internal/keypool"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
	"github.com/nulpointcorp/keyrelay/internal/proxy"
	"github.com/nulpointcorp/keyrelay/internal/ratelimit"
	"github.com/nulpointcorp/keyrelay/internal/stats"
)

// Redis namespaces for the shared state.
const (
	cooldownNamespace = "keyrelay:cooldown:"
	modelsNamespace   = "keyrelay:models:"
)

// initInfra establishes optional external connections.
// Redis is only required when STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.StoreMode == config.StoreRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackend builds the upstream client shared by every key.
func (a *App) initBackend(_ context.Context) error {
	client, err := buildBackend(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.client = client
	a.log.Info("backend ready",
		slog.String("backend", client.Name()),
		slog.String("base_url", a.cfg.Backend.BaseURL),
	)
	return nil
}

// initServices creates the metrics registry, the key pool with its cooldown
// store, the call statistics and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Shared state: cooldowns, model list and call statistics ──────────────
	var store stats.Store
	switch a.cfg.StoreMode {
	case config.StoreRedis:
		a.cooldowns = cache.NewRedisCache(a.rdb, cooldownNamespace)
		a.modelsCache = cache.NewRedisCache(a.rdb, modelsNamespace)
		store = stats.NewRedisStore(a.rdb, stats.DefaultRedisKey)
		a.log.Info("store backend: redis")

	case config.StoreMemory:
		// In-process state, not shared across replicas.
		cooldowns := cache.NewMemoryCache(ctx)
		models := cache.NewMemoryCache(ctx)
		a.memCaches = append(a.memCaches, cooldowns, models)
		a.cooldowns = cooldowns
		a.modelsCache = models
		store = stats.NewMemoryStore()
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.StoreMode)
	}

	// ── Key pool ─────────────────────────────────────────────────────────────
	pool, err := keypool.New(a.cfg.Keys, keypool.Options{
		Cooldowns:          a.cooldowns,
		RateLimitCooldown:  a.cfg.Keypool.KeyCooldown,
		InvalidKeyCooldown: a.cfg.Keypool.InvalidKeyCooldown,
		Breaker: keypool.BreakerConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		Logger:  a.log,
		Metrics: a.prom,
	})
	if err != nil {
		return fmt.Errorf("keypool: %w", err)
	}
	a.pool = pool
	a.log.Info("key pool loaded", slog.Int("keys", pool.Size()))

	// ── Call statistics ──────────────────────────────────────────────────────
	rec, err := stats.NewRecorder(a.baseCtx, store, a.log, a.prom)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	a.recorder = rec

	// ── Rate limiting, only when Redis is available ──────────────────────────
	if a.cfg.RateLimited() {
		if a.rdb == nil {
			a.log.Warn("rate limits configured but ignored without STORE_MODE=redis",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
				slog.Int("daily_ip_limit", a.cfg.RateLimit.DailyIPLimit),
			)
		} else {
			a.limiter = ratelimit.New(a.rdb, ratelimit.Limits{
				RequestsPerMinute:  a.cfg.RateLimit.RPMLimit,
				RequestsPerDayByIP: a.cfg.RateLimit.DailyIPLimit,
			}, a.prom)
			a.log.Info("rate limiting enabled",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
				slog.Int("daily_ip_limit", a.cfg.RateLimit.DailyIPLimit),
			)
		}
	}

	// ── Safety settings selector ─────────────────────────────────────────────
	matcher, err := backend.NewModelMatcher(a.cfg.AltSafetyModels, a.cfg.AltSafetyPatterns)
	if err != nil {
		return fmt.Errorf("alt safety models: %w", err)
	}
	a.altSafety = matcher
	a.log.Info("alt safety rules loaded", slog.Int("rules", matcher.Len()))

	return nil
}

// initGateway wires the dispatch engine and the HTTP gateway.
func (a *App) initGateway(_ context.Context) error {
	engine := dispatch.NewEngine(a.client, a.pool, dispatch.EngineOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		Stats:          a.recorder,
		AttemptTimeout: a.cfg.Backend.Timeout,
	})

	var storeReady func() bool
	if a.rdb != nil {
		storeReady = redisPinger(a.baseCtx, a.rdb)
	}

	a.gw = proxy.NewGateway(a.baseCtx, engine, a.client, a.pool, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Dispatch: dispatch.Options{
			FakeStreaming:      a.cfg.Dispatch.FakeStreaming,
			HeartbeatInterval:  a.cfg.Dispatch.FakeStreamingInterval,
			InitialConcurrency: a.cfg.Dispatch.ConcurrentRequests,
			EscalationStep:     a.cfg.Dispatch.IncreaseConcurrentOnFailure,
			MaxConcurrency:     a.cfg.Dispatch.MaxConcurrentRequests,
		},
		AltSafety:      a.altSafety.Matches,
		Password:       a.cfg.Password,
		CORSOrigins:    a.cfg.CORSOrigins,
		ModelsCache:    a.modelsCache,
		ModelsCacheTTL: a.cfg.ModelsCacheTTL,
		Limiter:        a.limiter,
		Stats:          a.recorder,
		StoreReady:     storeReady,
		Version:        a.version,
	})

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
