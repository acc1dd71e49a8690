package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Server timeouts. Writes get a long deadline because a stream stays open for
// as long as the upstream takes to produce its answer.
const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Minute
	idleTimeout  = 2 * time.Minute
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the API routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the routed handler with the full middleware chain. The
// password check covers the API routes only; health, readiness and metrics
// stay open for probes.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	auth := passwordAuth(g.password)

	r.POST("/v1/chat/completions", auth(g.dispatchChat))
	r.GET("/v1/models", auth(g.listModels))
	r.GET("/api/dashboard-data", auth(g.dashboard))
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// StartWithRoutes starts the HTTP server on addr (e.g. ":8080") and blocks
// until it stops.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}
	return g.Serve(ln, mgmt)
}

// Serve serves HTTP on ln until Shutdown is called.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	g.mu.Lock()
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		Name:         "keyrelay",
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	srv := g.srv
	g.mu.Unlock()

	return srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones, including
// streams in progress, until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv := g.srv
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.health.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
