package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
	"github.com/nulpointcorp/keyrelay/internal/sse"
)

// ExhaustedMessage is the content of the error frame sent when every key
// failed.
const ExhaustedMessage = "\n\n[error: all API keys failed, please retry later]"

// ErrExhausted is returned by Complete when every key failed.
var ErrExhausted = errors.New("dispatch: all API keys failed")

// KeyPool is the credential pool the engine draws keys from.
type KeyPool interface {
	// Keys returns the currently eligible keys. The slice is owned by the
	// caller.
	Keys(ctx context.Context) []string
	ResetTried()
	// HandleError classifies err, penalizes key, and returns a
	// human-readable detail for logs.
	HandleError(ctx context.Context, err error, key string) string
	RecordSuccess(key string)
}

// StatsRecorder counts successful calls per key and model. Record must not
// block.
type StatsRecorder interface {
	Record(key, model string)
}

// Sink writes one SSE frame to the client. A non-nil error means the client
// is gone and ends dispatch.
type Sink func(frame []byte) error

// EngineOptions configures an Engine. Every field is optional.
type EngineOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Stats   StatsRecorder

	// AttemptTimeout bounds each backend call. Defaults to
	// backend.DefaultTimeout.
	AttemptTimeout time.Duration

	// Shuffle reorders the candidate keys of a request in place. Defaults
	// to a uniform random shuffle.
	Shuffle func(keys []string)
}

// Engine runs dispatch for individual requests. It holds no per-request
// state, so one Engine serves all requests concurrently.
type Engine struct {
	client  backend.Client
	pool    KeyPool
	stats   StatsRecorder
	log     *slog.Logger
	metrics *metrics.Registry

	attemptTimeout time.Duration
	shuffle        func([]string)
}

type winner struct {
	key string
	res result
}

// NewEngine wires an Engine to its backend and key pool.
func NewEngine(client backend.Client, pool KeyPool, opts EngineOptions) *Engine {
	e := &Engine{
		client:         client,
		pool:           pool,
		stats:          opts.Stats,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		attemptTimeout: opts.AttemptTimeout,
		shuffle:        opts.Shuffle,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.attemptTimeout <= 0 {
		e.attemptTimeout = backend.DefaultTimeout
	}
	if e.shuffle == nil {
		e.shuffle = func(keys []string) {
			rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		}
	}
	return e
}

// Stream dispatches req and writes the resulting SSE frames to sink. Every
// path that returns nil has written the sentinel exactly once; total failure
// is reported inside the stream, not as an error. A non-nil error comes from
// sink or from ctx.
func (e *Engine) Stream(ctx context.Context, req *Request, sink Sink) (err error) {
	kind := req.streamType()
	start := time.Now()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "client_gone"
		}
		if e.metrics != nil {
			e.metrics.ObserveDispatch(kind, outcome, time.Since(start))
		}
	}()

	var hb *Heartbeat
	defer func() { hb.Stop() }()

	candidates := e.candidates(ctx)
	if len(candidates) == 0 {
		outcome = "exhausted"
		return e.exhausted(ctx, req, kind, sink)
	}

	if req.FakeStreaming {
		if err := e.keepAlive(req, sink); err != nil {
			return err
		}
		hb = startHeartbeat(ctx, req.HeartbeatInterval, req.Model, e.log.With(
			slog.String("request_id", req.ID),
			slog.String("request_type", kind),
			slog.String("model", req.Model),
		))
	}

	w, err := e.dispatch(ctx, req, kind, candidates, hb, sink)
	hb.Stop()
	if err != nil {
		return err
	}
	if w == nil {
		outcome = "exhausted"
		return e.exhausted(ctx, req, kind, sink)
	}

	e.log.InfoContext(ctx, "attempt_won",
		slog.String("request_id", req.ID),
		slog.String("key", keyPrefix(w.key)),
		slog.String("request_type", kind),
		slog.String("model", req.Model),
	)
	if req.FakeStreaming {
		return relayQueue(w.res.queue, sink)
	}
	return e.relayStream(ctx, req, w, sink)
}

// Complete dispatches req as a non-streaming call with the same batching,
// race and escalation as Stream.
func (e *Engine) Complete(ctx context.Context, req *Request) (*backend.Completion, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveDispatch(TypeComplete, outcome, time.Since(start))
		}
	}()

	w, err := e.dispatch(ctx, req, TypeComplete, e.candidates(ctx), nil, nil)
	if err != nil {
		outcome = "client_gone"
		return nil, err
	}
	if w == nil {
		outcome = "exhausted"
		e.logExhausted(ctx, req, TypeComplete)
		return nil, ErrExhausted
	}
	return w.res.completion, nil
}

func (e *Engine) candidates(ctx context.Context) []string {
	e.pool.ResetTried()
	keys := e.pool.Keys(ctx)
	e.shuffle(keys)
	return keys
}

// dispatch runs batches until one produces a winner or the candidates run
// out, in which case it returns a nil winner.
func (e *Engine) dispatch(ctx context.Context, req *Request, kind string, candidates []string, hb *Heartbeat, sink Sink) (*winner, error) {
	sched := NewScheduler(req.InitialConcurrency, req.EscalationStep, req.MaxConcurrency, len(candidates))

	for {
		var batch []string
		batch, candidates = sched.Next(candidates)
		if len(batch) == 0 {
			return nil, nil
		}
		if e.metrics != nil {
			e.metrics.ObserveBatch(kind, len(batch))
		}

		w, err := e.race(ctx, req, kind, batch, hb, sink)
		if err != nil || w != nil {
			return w, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		n := sched.Escalate()
		e.log.InfoContext(ctx, "batch_escalated",
			slog.String("request_id", req.ID),
			slog.String("request_type", kind),
			slog.String("model", req.Model),
			slog.Int("concurrency", n),
			slog.Int("remaining", len(candidates)),
		)
		if e.metrics != nil {
			e.metrics.RecordEscalation(kind)
		}
		if hb != nil {
			if err := e.keepAlive(req, sink); err != nil {
				return nil, err
			}
		}
	}
}

// race launches the batch and waits until a winner is found or every
// attempt has finished without one. Heartbeat frames are written while
// nothing has finished.
func (e *Engine) race(ctx context.Context, req *Request, kind string, batch []string, hb *Heartbeat, sink Sink) (*winner, error) {
	reports := e.launch(ctx, req, kind, batch)

	finished := make([]*result, len(batch))
	consumed := make([]bool, len(batch))
	pending := len(batch)

	for pending > 0 {
		select {
		case r := <-reports:
			finished[r.index] = &r.res
			pending--
		case frame := <-hb.C():
			// A tick that lands together with a finished attempt is dropped.
			if len(reports) == 0 {
				if e.metrics != nil {
					e.metrics.RecordHeartbeat()
				}
				if err := sink(frame); err != nil {
					return nil, err
				}
			}
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	drain:
		for pending > 0 {
			select {
			case r := <-reports:
				finished[r.index] = &r.res
				pending--
			default:
				break drain
			}
		}

		if i := selectWinner(finished, consumed); i >= 0 {
			return &winner{key: batch[i], res: *finished[i]}, nil
		}
	}
	return nil, nil
}

func (e *Engine) keepAlive(req *Request, sink Sink) error {
	if e.metrics != nil {
		e.metrics.RecordHeartbeat()
	}
	return sink(sse.KeepAlive(req.Model))
}

func (e *Engine) exhausted(ctx context.Context, req *Request, kind string, sink Sink) error {
	e.logExhausted(ctx, req, kind)
	if err := sink(sse.Error(req.Model, ExhaustedMessage)); err != nil {
		return err
	}
	return sink(sse.Done())
}

func (e *Engine) logExhausted(ctx context.Context, req *Request, kind string) {
	e.log.ErrorContext(ctx, "keys_exhausted",
		slog.String("request_id", req.ID),
		slog.String("key", "ALL"),
		slog.String("request_type", kind),
		slog.String("model", req.Model),
	)
}
