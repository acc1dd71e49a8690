// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    external connections (Redis when STORE_MODE=redis)
//  2. initBackend  upstream Gemini client
//  3. initServices metrics, key pool, call statistics, rate limiter
//  4. initGateway  dispatch engine, HTTP gateway and management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/backend/gemini"
	"github.com/nulpointcorp/keyrelay/internal/backend/openaicompat"
	"github.com/nulpointcorp/keyrelay/internal/cache"
	"github.com/nulpointcorp/keyrelay/internal/config"
	"github.com/nulpointcorp/keyrelay/internal/keypool"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
	"github.com/nulpointcorp/keyrelay/internal/proxy"
	"github.com/nulpointcorp/keyrelay/internal/ratelimit"
	"github.com/nulpointcorp/keyrelay/internal/stats"
)

const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	client backend.Client

	prom        *metrics.Registry
	cooldowns   cache.Cache
	modelsCache cache.Cache
	memCaches   []*cache.MemoryCache
	pool        *keypool.Pool
	recorder    *stats.Recorder
	limiter     *ratelimit.Limiter
	altSafety   *backend.ModelMatcher

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Handler returns the gateway's HTTP handler with management routes.
func (a *App) Handler() fasthttp.RequestHandler {
	return a.gw.Handler(a.mgmt)
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. Open streams get shutdownTimeout to finish before the app closes.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("backend", a.client.Name()),
		slog.String("store_mode", a.cfg.StoreMode),
		slog.Int("keys", a.pool.Size()),
		slog.Bool("fake_streaming", a.cfg.Dispatch.FakeStreaming),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.gw != nil {
		a.gw.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("stats recorder close error", slog.String("error", err.Error()))
		}
		if n := a.recorder.Dropped(); n > 0 {
			a.log.Warn("stats events dropped", slog.Int64("dropped", n))
		}
	}
	for _, mc := range a.memCaches {
		mc.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client, no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildBackend creates the upstream client selected by BACKEND.
func buildBackend(ctx context.Context, cfg *config.Config) (backend.Client, error) {
	httpClient := &http.Client{Timeout: cfg.Backend.Timeout}

	switch cfg.Backend.Kind {
	case config.BackendGemini:
		return gemini.New(ctx,
			gemini.WithBaseURL(cfg.Backend.BaseURL),
			gemini.WithHTTPClient(httpClient),
		), nil
	case config.BackendOpenAI:
		return openaicompat.New("gemini-openai", cfg.Backend.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}
