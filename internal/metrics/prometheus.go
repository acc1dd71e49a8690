// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// keyrelay_inflight_requests
	inFlight prometheus.Gauge

	// keyrelay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// keyrelay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// keyrelay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// keyrelay_dispatch_total{mode,result}
	dispatchTotal *prometheus.CounterVec

	// keyrelay_dispatch_duration_seconds{mode,result}
	dispatchDuration *prometheus.HistogramVec

	// keyrelay_attempts_total{mode,outcome}
	attemptsTotal *prometheus.CounterVec

	// keyrelay_attempt_duration_seconds{mode,outcome}
	attemptDuration *prometheus.HistogramVec

	// keyrelay_batch_size{mode}
	batchSize *prometheus.HistogramVec

	// keyrelay_escalations_total{mode}
	escalations *prometheus.CounterVec

	// keyrelay_heartbeats_total
	heartbeats prometheus.Counter

	// keyrelay_key_errors_total{reason}
	keyErrors *prometheus.CounterVec

	// keyrelay_key_cooldowns_total{reason}
	keyCooldowns *prometheus.CounterVec

	// keyrelay_key_breaker_state{key} 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// keyrelay_key_breaker_transitions_total{key,to_state}
	breakerTransitions *prometheus.CounterVec

	// keyrelay_ratelimit_total{scope,result}
	rateLimitTotal *prometheus.CounterVec

	// keyrelay_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// keyrelay_stats_events_dropped_total
	statsDropped prometheus.Counter

	// keyrelay_tokens_total{direction}
	tokensTotal *prometheus.CounterVec

	// keyrelay_backend_health
	backendHealth prometheus.Gauge

	// keyrelay_build_info{version}
	buildInfo *prometheus.GaugeVec

	breakerMu        sync.Mutex
	lastBreakerState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:              reg,
		lastBreakerState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyrelay_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (streams included end to end)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrelay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_dispatch_total",
				Help: "Dispatched requests by mode and result",
			},
			[]string{"mode", "result"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrelay_dispatch_duration_seconds",
				Help:    "Time from dispatch start to the final frame or error",
				Buckets: durationBuckets,
			},
			[]string{"mode", "result"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_attempts_total",
				Help: "Upstream attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrelay_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"mode", "outcome"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrelay_batch_size",
				Help:    "Number of concurrent attempts launched per batch",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 10, 16, 32},
			},
			[]string{"mode"},
		),

		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_escalations_total",
				Help: "Batches that failed entirely and triggered a concurrency step-up",
			},
			[]string{"mode"},
		),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyrelay_heartbeats_total",
			Help: "Keep-alive frames written to clients",
		}),

		keyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_key_errors_total",
				Help: "Upstream errors attributed to a key, by classified reason",
			},
			[]string{"reason"},
		),

		keyCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_key_cooldowns_total",
				Help: "Keys placed into cooldown, by reason",
			},
			[]string{"reason"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyrelay_key_breaker_state",
				Help: "Per-key circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"key"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_key_breaker_transitions_total",
				Help: "Per-key circuit breaker transitions to a new state",
			},
			[]string{"key", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"scope", "result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		statsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyrelay_stats_events_dropped_total",
			Help: "Usage events dropped because the recorder buffer was full",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrelay_tokens_total",
				Help: "Token usage totals reported by the upstream on non-streaming calls",
			},
			[]string{"direction"},
		),

		backendHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyrelay_backend_health",
			Help: "Upstream health as seen by the background probe (1=ok, 0=degraded)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyrelay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.dispatchTotal,
		r.dispatchDuration,
		r.attemptsTotal,
		r.attemptDuration,
		r.batchSize,
		r.escalations,
		r.heartbeats,
		r.keyErrors,
		r.keyCooldowns,
		r.breakerState,
		r.breakerTransitions,
		r.rateLimitTotal,
		r.cacheOps,
		r.statsDropped,
		r.tokensTotal,
		r.backendHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveDispatch records the final result of one dispatched request.
func (r *Registry) ObserveDispatch(mode, result string, dur time.Duration) {
	r.dispatchTotal.WithLabelValues(mode, result).Inc()
	r.dispatchDuration.WithLabelValues(mode, result).Observe(dur.Seconds())
}

// ObserveAttempt records one upstream attempt.
func (r *Registry) ObserveAttempt(mode, outcome string, dur time.Duration) {
	r.attemptsTotal.WithLabelValues(mode, outcome).Inc()
	r.attemptDuration.WithLabelValues(mode, outcome).Observe(dur.Seconds())
}

func (r *Registry) ObserveBatch(mode string, size int) {
	r.batchSize.WithLabelValues(mode).Observe(float64(size))
}

func (r *Registry) RecordEscalation(mode string) {
	r.escalations.WithLabelValues(mode).Inc()
}

func (r *Registry) RecordHeartbeat() { r.heartbeats.Inc() }

func (r *Registry) RecordKeyError(reason string) {
	r.keyErrors.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordKeyCooldown(reason string) {
	r.keyCooldowns.WithLabelValues(reason).Inc()
}

// SetBreakerState sets the per-key breaker gauge and increments a transition
// counter when the state changes. key must already be redacted.
func (r *Registry) SetBreakerState(key string, state int64) {
	r.breakerState.WithLabelValues(key).Set(float64(state))

	r.breakerMu.Lock()
	prev, ok := r.lastBreakerState[key]
	if !ok || prev != float64(state) {
		r.lastBreakerState[key] = float64(state)
		r.breakerTransitions.WithLabelValues(key, strconv.FormatInt(state, 10)).Inc()
	}
	r.breakerMu.Unlock()
}

func (r *Registry) RecordRateLimit(scope, result string) {
	r.rateLimitTotal.WithLabelValues(scope, result).Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()   { r.cacheOps.WithLabelValues("set", "ok").Inc() }

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) RecordStatsDropped(n int) {
	if n > 0 {
		r.statsDropped.Add(float64(n))
	}
}

func (r *Registry) AddTokens(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBackendHealth(ok bool) {
	if ok {
		r.backendHealth.Set(1)
		return
	}
	r.backendHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
