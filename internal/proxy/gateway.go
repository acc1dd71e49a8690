// Package proxy is the HTTP front of the gateway.
//
// The Gateway receives OpenAI-compatible chat requests, applies the request
// limits, converts the conversation into the backend's form and hands it to
// the dispatch engine, which picks a working key from the pool. Streaming
// requests are answered with server-sent events written directly by the
// engine; non-streaming ones with a single chat.completion body.
//
// Key design constraints:
//   - Cache, rate limiter, stats and metrics are optional and nil-safe.
//   - Total key failure inside a stream is reported in-band; the HTTP status
//     of a stream is always 200 once headers are sent.
//   - The stream writer outlives the handler, so it runs on the gateway's
//     base context rather than the request's.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/cache"
	"github.com/nulpointcorp/keyrelay/internal/dispatch"
	"github.com/nulpointcorp/keyrelay/internal/keypool"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
	"github.com/nulpointcorp/keyrelay/internal/ratelimit"
	"github.com/nulpointcorp/keyrelay/internal/stats"
	"github.com/nulpointcorp/keyrelay/pkg/apierr"
)

const (
	modelsCacheKey        = "models"
	defaultModelsCacheTTL = 10 * time.Minute
	modelsListTimeout     = 15 * time.Second
)

// StatsSource provides the call statistics shown on the dashboard.
type StatsSource interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

// GatewayOptions holds optional dependencies and tuning for a Gateway. All
// fields can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *metrics.Registry

	// Dispatch holds the gateway-level streaming and concurrency settings
	// applied to every request.
	Dispatch dispatch.Options

	// AltSafety selects the alternate safety settings for a model name.
	AltSafety func(model string) bool

	// Password, when set, is required as a bearer token on the API routes.
	Password string

	// CORSOrigins is the CORS allow list. Nil or ["*"] allows all origins.
	CORSOrigins []string

	// ModelsCache stores the upstream model list. Nil disables caching.
	ModelsCache    cache.Cache
	ModelsCacheTTL time.Duration

	Limiter *ratelimit.Limiter
	Stats   StatsSource

	// StoreReady probes the shared store for readiness. Nil means there is
	// no external store.
	StoreReady func() bool

	Version string
}

// Gateway wires the HTTP surface to the dispatch engine. All dependencies are
// injected so they can be replaced with doubles in tests.
type Gateway struct {
	engine *dispatch.Engine
	client backend.Client
	pool   *keypool.Pool

	dispatchOpts dispatch.Options
	altSafety    func(string) bool
	password     string
	corsOrigins  []string

	modelsCache    cache.Cache
	modelsCacheTTL time.Duration

	limiter *ratelimit.Limiter
	stats   StatsSource
	health  *HealthChecker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	version string

	mu  sync.Mutex
	srv *fasthttp.Server
}

// NewGateway creates a Gateway. The engine must have been built on the same
// pool and client.
func NewGateway(baseCtx context.Context, engine *dispatch.Engine, client backend.Client, pool *keypool.Pool, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.ModelsCacheTTL
	if ttl <= 0 {
		ttl = defaultModelsCacheTTL
	}

	g := &Gateway{
		engine:         engine,
		client:         client,
		pool:           pool,
		dispatchOpts:   opts.Dispatch,
		altSafety:      opts.AltSafety,
		password:       opts.Password,
		corsOrigins:    opts.CORSOrigins,
		modelsCache:    opts.ModelsCache,
		modelsCacheTTL: ttl,
		limiter:        opts.Limiter,
		stats:          opts.Stats,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		version:        opts.Version,
	}
	g.health = NewHealthChecker(baseCtx, g.healthChecks(opts.StoreReady), g.metrics)
	return g
}

// Close stops background health probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Chat completions ─────────────────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	contents, system, err := prepareMessages(in.Messages)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Request limits.
	if !g.limiter.AllowGlobal(ctx) {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("scope", ratelimit.ScopeGlobal),
		)
		apierr.WriteRateLimit(ctx)
		return
	}
	if ip := ctx.RemoteIP().String(); !g.limiter.AllowIP(ctx, ip) {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("scope", ratelimit.ScopeIP),
			slog.String("ip", ip),
		)
		apierr.WriteDailyLimit(ctx)
		return
	}

	req := dispatch.NewRequest(dispatch.Request{
		ID:                reqID,
		Model:             in.Model,
		Contents:          contents,
		SystemInstruction: system,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		MaxTokens:         in.maxTokens(),
		Options:           g.dispatchOpts,
	}, g.altSafety)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.Bool("stream", in.Stream),
		slog.Bool("fake_streaming", req.FakeStreaming),
		slog.Int("messages", len(contents)),
	)

	// 3a. Streaming: the engine writes frames straight to the client.
	if in.Stream {
		streaming = true
		g.writeStream(ctx, req, func() {
			if g.metrics != nil {
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start), reqBytes)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 3b. Non-streaming.
	comp, err := g.engine.Complete(ctx, req)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", req.ID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleDispatchError(ctx, err)
		return
	}

	finish := comp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	id := comp.ID
	if id == "" {
		id = "chatcmpl-" + req.ID
	}
	out := outboundResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: comp.Text},
			FinishReason: finish,
		}},
		Usage: outboundUsage{
			PromptTokens:     comp.Usage.InputTokens,
			CompletionTokens: comp.Usage.OutputTokens,
			TotalTokens:      comp.Usage.InputTokens + comp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.Int("input_tokens", comp.Usage.InputTokens),
		slog.Int("output_tokens", comp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleDispatchError maps a non-streaming dispatch failure to a response.
//
//	dispatch.ErrExhausted     → 502, every key failed
//	context.DeadlineExceeded  → 504
//	anything else             → 502
func handleDispatchError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, dispatch.ErrExhausted):
		apierr.WriteExhausted(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

// writeStream runs the engine inside the response body writer. Every frame
// is flushed as soon as it is written, so a failed flush is how a client
// disconnect reaches the engine. onComplete runs once the writer exits.
func (g *Gateway) writeStream(ctx *fasthttp.RequestCtx, req *dispatch.Request, onComplete func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sctx, cancel := context.WithCancel(g.baseCtx)
		defer cancel()
		defer onComplete()
		defer func() {
			if r := recover(); r != nil {
				g.log.ErrorContext(sctx, "stream_writer_panic",
					slog.String("request_id", req.ID),
					slog.Any("panic", r),
				)
			}
		}()

		sink := func(frame []byte) error {
			if _, err := w.Write(frame); err != nil {
				return err
			}
			return w.Flush()
		}

		if err := g.engine.Stream(sctx, req, sink); err != nil {
			g.log.InfoContext(sctx, "stream_aborted",
				slog.String("request_id", req.ID),
				slog.String("model", req.Model),
				slog.String("error", err.Error()),
			)
		}
	})
}

// ── Models ───────────────────────────────────────────────────────────────────

type (
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
)

// listModels handles GET /v1/models. The list comes from the first key that
// answers and is cached when a cache is configured.
func (g *Gateway) listModels(ctx *fasthttp.RequestCtx) {
	if g.modelsCache != nil {
		if body, ok := g.modelsCache.Get(ctx, modelsCacheKey); ok {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	models, err := g.fetchModels(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "list_models_error", slog.String("error", err.Error()))
		var sc backend.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	now := time.Now().Unix()
	out := modelList{Object: "list", Data: make([]modelEntry, len(models))}
	for i, m := range models {
		out.Data[i] = modelEntry{ID: m.ID, Object: "model", Created: now, OwnedBy: "google"}
	}
	body, _ := json.Marshal(out)

	if g.modelsCache != nil {
		if err := g.modelsCache.Set(ctx, modelsCacheKey, body, g.modelsCacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	ctx.Response.Header.Set("X-Cache", "MISS")
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (g *Gateway) fetchModels(ctx context.Context) ([]backend.Model, error) {
	var lastErr error
	for _, key := range g.pool.Keys(ctx) {
		lctx, cancel := context.WithTimeout(ctx, modelsListTimeout)
		models, err := g.client.ListModels(lctx, key)
		cancel()
		if err == nil {
			return models, nil
		}
		g.pool.HandleError(ctx, err, key)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no API keys available")
	}
	return nil, fmt.Errorf("list models: %w", lastErr)
}

// ── Dashboard ────────────────────────────────────────────────────────────────

type dashboardData struct {
	KeyCount       int `json:"key_count"`
	ActiveKeyCount int `json:"active_key_count"`
	ModelCount     int `json:"model_count"`
	RetryCount     int `json:"retry_count"`

	Last24hCalls int `json:"last_24h_calls"`
	HourlyCalls  int `json:"hourly_calls"`
	MinuteCalls  int `json:"minute_calls"`

	CurrentTime           string  `json:"current_time"`
	FakeStreaming         bool    `json:"fake_streaming"`
	FakeStreamingInterval float64 `json:"fake_streaming_interval"`
	ConcurrentRequests    int     `json:"concurrent_requests"`
	IncreaseConcurrent    int     `json:"increase_concurrent_on_failure"`
	MaxConcurrent         int     `json:"max_concurrent_requests"`
	MaxRequestsPerMinute  int     `json:"max_requests_per_minute"`
	MaxRequestsPerDayIP   int     `json:"max_requests_per_day_per_ip"`
	LocalVersion          string  `json:"local_version"`

	APIKeyStats []stats.KeyStats    `json:"api_key_stats"`
	KeyStatus   []keypool.KeyStatus `json:"key_status"`
}

// dashboard handles GET /api/dashboard-data.
func (g *Gateway) dashboard(ctx *fasthttp.RequestCtx) {
	limits := g.limiter.Limits()
	out := dashboardData{
		KeyCount:              g.pool.Size(),
		ActiveKeyCount:        g.pool.ActiveCount(ctx),
		RetryCount:            g.pool.TriedCount(),
		CurrentTime:           time.Now().Format("2006-01-02 15:04:05"),
		FakeStreaming:         g.dispatchOpts.FakeStreaming,
		FakeStreamingInterval: g.dispatchOpts.HeartbeatInterval.Seconds(),
		ConcurrentRequests:    g.dispatchOpts.InitialConcurrency,
		IncreaseConcurrent:    g.dispatchOpts.EscalationStep,
		MaxConcurrent:         g.dispatchOpts.MaxConcurrency,
		MaxRequestsPerMinute:  limits.RequestsPerMinute,
		MaxRequestsPerDayIP:   limits.RequestsPerDayByIP,
		LocalVersion:          g.version,
		APIKeyStats:           []stats.KeyStats{},
		KeyStatus:             g.pool.Status(ctx),
	}

	if g.stats != nil {
		snap, err := g.stats.Snapshot(ctx)
		if err != nil {
			g.log.WarnContext(ctx, "stats_snapshot_error", slog.String("error", err.Error()))
		} else {
			out.ModelCount = len(snap.Models)
			out.Last24hCalls = snap.Last24h
			out.HourlyCalls = snap.LastHour
			out.MinuteCalls = snap.LastMinute
			out.APIKeyStats = snap.Keys
		}
	}

	writeJSON(ctx, out)
}
