package proxy

import (
	"context"
	"errors"
	"testing"
)

// --- helpers ----------------------------------------------------------------

func passing(name string, critical bool) HealthCheck {
	return HealthCheck{Name: name, Critical: critical, Probe: func(context.Context) error { return nil }}
}

func failing(name string, critical bool) HealthCheck {
	return HealthCheck{Name: name, Critical: critical, Probe: func(context.Context) error {
		return errors.New("probe failed")
	}}
}

// --- NewHealthChecker -------------------------------------------------------

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{passing("backend", false)}, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Components["backend"] != statusOK {
		t.Errorf("expected backend=ok after initial probe, got %s", snap.Components["backend"])
	}
}

// --- Snapshot ---------------------------------------------------------------

func TestSnapshot_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{
		passing("keys", false),
		passing("store", true),
	}, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != statusOK {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
}

func TestSnapshot_NoChecks(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, nil)
	defer hc.Close()

	if snap := hc.Snapshot(); snap.Status != statusOK || len(snap.Components) != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !hc.ReadinessOK() {
		t.Error("no checks must be ready")
	}
}

func TestSnapshot_DegradedComponent(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{
		passing("keys", false),
		failing("backend", false),
	}, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != statusDegraded {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if snap.Components["keys"] != statusOK {
		t.Errorf("keys should be ok, got %s", snap.Components["keys"])
	}
	if snap.Components["backend"] != statusDegraded {
		t.Errorf("backend should be degraded, got %s", snap.Components["backend"])
	}
}

func TestSnapshot_CriticalDown(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{failing("store", true)}, nil)
	defer hc.Close()

	if got := hc.Snapshot().Components["store"]; got != statusDown {
		t.Errorf("failing critical check should be down, got %s", got)
	}
}

// --- ReadinessOK ------------------------------------------------------------

func TestReadinessOK_IgnoresNonCritical(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{
		failing("backend", false),
		passing("store", true),
	}, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("readiness should be OK when only non-critical checks fail")
	}
}

func TestReadinessOK_CriticalDown(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{failing("store", true)}, nil)
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Error("readiness should NOT be OK when the store is down")
	}
}

// --- componentStatus --------------------------------------------------------

func TestComponentStatus_DefaultUnknown(t *testing.T) {
	var cs componentStatus
	if cs.get() != statusUnknown {
		t.Errorf("expected 'unknown' default, got %q", cs.get())
	}
}

func TestComponentStatus_SetGet(t *testing.T) {
	var cs componentStatus
	cs.set(statusOK)
	if cs.get() != statusOK {
		t.Errorf("expected 'ok', got %q", cs.get())
	}
	cs.set(statusDegraded)
	if cs.get() != statusDegraded {
		t.Errorf("expected 'degraded', got %q", cs.get())
	}
}

// --- Close ------------------------------------------------------------------

func TestHealthChecker_CloseTwice(t *testing.T) {
	hc := NewHealthChecker(context.Background(), []HealthCheck{passing("keys", false)}, nil)
	hc.Close()
	hc.Close()
}

func TestHealthChecker_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hc := NewHealthChecker(ctx, nil, nil)
	cancel()
	hc.wg.Wait()
}
