package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/nulpointcorp/keyrelay/internal/sse"
)

// Heartbeat produces keep-alive frames on a fixed interval. Frames are
// handed over on an unbuffered channel, so none exists unless the
// orchestrator is ready to write it, and none is produced after Stop.
//
// All methods are safe on a nil *Heartbeat, which is what real-streaming
// requests carry.
type Heartbeat struct {
	frames  chan []byte
	stop    chan struct{}
	running atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func startHeartbeat(ctx context.Context, interval time.Duration, model string, log *slog.Logger) *Heartbeat {
	h := &Heartbeat{
		frames: make(chan []byte),
		stop:   make(chan struct{}),
	}
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if r := panics.Try(func() { h.run(ctx, interval, model, log) }); r != nil {
			log.ErrorContext(ctx, "heartbeat_panic",
				slog.Any("panic", r.Value),
				slog.String("stack", string(r.Stack)),
			)
		}
	}()
	return h
}

func (h *Heartbeat) run(ctx context.Context, interval time.Duration, model string, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			log.InfoContext(ctx, "heartbeat_cancelled")
			return
		case <-ticker.C:
		}

		select {
		case h.frames <- sse.KeepAlive(model):
		case <-h.stop:
			return
		case <-ctx.Done():
			log.InfoContext(ctx, "heartbeat_cancelled")
			return
		}
	}
}

// C delivers keep-alive frames. A nil Heartbeat returns a nil channel,
// which blocks forever in a select.
func (h *Heartbeat) C() <-chan []byte {
	if h == nil {
		return nil
	}
	return h.frames
}

// Running reports whether Stop has not been called yet.
func (h *Heartbeat) Running() bool {
	return h != nil && h.running.Load()
}

// Stop halts the producer and waits for it to exit. Idempotent.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.running.Store(false)
		close(h.stop)
	})
	h.wg.Wait()
}
