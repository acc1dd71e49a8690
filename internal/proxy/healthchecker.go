package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nulpointcorp/keyrelay/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Component states reported by /health.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

var errNoActiveKeys = errors.New("no active API keys")

// HealthCheck is one probed component. A failing critical check makes the
// gateway not ready; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	checks   []HealthCheck
	statuses []*componentStatus
	baseCtx  context.Context
	metrics  *metrics.Registry

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(ctx context.Context, checks []HealthCheck, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		checks:    checks,
		statuses:  make([]*componentStatus, len(checks)),
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}
	for i := range checks {
		hc.statuses[i] = &componentStatus{}
	}

	// First probe runs synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
	Version       string            `json:"version,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK
	components := make(map[string]string, len(hc.checks))
	for i, c := range hc.checks {
		st := hc.statuses[i].get()
		components[c.Name] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Components:    components,
	}
}

// ReadinessOK returns true when every critical component is reachable.
func (hc *HealthChecker) ReadinessOK() bool {
	for i, c := range hc.checks {
		if c.Critical && hc.statuses[i].get() != statusOK {
			return false
		}
	}
	return true
}

// Close stops the background probe goroutine. It is safe to call more than
// once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, c := range hc.checks {
		s := hc.statuses[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch {
			case c.Probe(ctx) == nil:
				s.set(statusOK)
			case c.Critical:
				s.set(statusDown)
			default:
				s.set(statusDegraded)
			}
		}()
	}
	wg.Wait()
}

// healthChecks lists the gateway's probed components: the key pool, the
// upstream backend and, when configured, the shared store.
func (g *Gateway) healthChecks(storeReady func() bool) []HealthCheck {
	checks := []HealthCheck{
		{
			Name: "keys",
			Probe: func(ctx context.Context) error {
				if g.pool.ActiveCount(ctx) == 0 {
					return errNoActiveKeys
				}
				return nil
			},
		},
		{
			Name: "backend",
			Probe: func(ctx context.Context) error {
				err := g.probeBackend(ctx)
				if g.metrics != nil {
					g.metrics.SetBackendHealth(err == nil)
				}
				return err
			},
		},
	}
	if storeReady != nil {
		checks = append(checks, HealthCheck{
			Name:     "store",
			Critical: true,
			Probe: func(context.Context) error {
				if !storeReady() {
					return errors.New("store unreachable")
				}
				return nil
			},
		})
	}
	return checks
}

// probeBackend lists models with the first eligible key. Probe failures do
// not penalize the key.
func (g *Gateway) probeBackend(ctx context.Context) error {
	keys := g.pool.Keys(ctx)
	if len(keys) == 0 {
		return errNoActiveKeys
	}
	_, err := g.client.ListModels(ctx, keys[0])
	return err
}
