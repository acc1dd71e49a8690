package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/keypool"
)

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeEmpty
	outcomeUsable
)

func (o outcome) String() string {
	switch o {
	case outcomeUsable:
		return "usable"
	case outcomeEmpty:
		return "empty"
	default:
		return "failed"
	}
}

// result is what one attempt hands back to the orchestrator. Exactly one
// payload field is set on a usable result, depending on the request type.
type result struct {
	outcome outcome

	// queue holds the pre-framed chunks of a fake-stream attempt.
	queue <-chan []byte

	// reopen starts a fresh stream for a real-stream attempt.
	reopen func(ctx context.Context) (<-chan backend.StreamChunk, error)

	// completion is the answer of a non-stream attempt.
	completion *backend.Completion
}

type report struct {
	index int
	key   string
	res   result
}

// launch starts one attempt per key. The reports channel is buffered for the
// whole batch so attempts that lost the race never block on it.
func (e *Engine) launch(ctx context.Context, req *Request, kind string, batch []string) <-chan report {
	reports := make(chan report, len(batch))
	for i, key := range batch {
		e.log.InfoContext(ctx, "attempt_started",
			slog.String("request_id", req.ID),
			slog.String("key", keyPrefix(key)),
			slog.String("request_type", kind),
			slog.String("model", req.Model),
		)
		go func() {
			reports <- report{index: i, key: key, res: e.runAttempt(ctx, req, kind, key)}
		}()
	}
	return reports
}

// runAttempt executes one attempt on a context detached from the client's,
// so attempts that lose the race run to completion instead of being
// cancelled. A panic inside the attempt becomes a failed outcome.
func (e *Engine) runAttempt(ctx context.Context, req *Request, kind, key string) result {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.attemptTimeout)
	defer cancel()

	start := time.Now()
	var res result
	if r := panics.Try(func() { res = e.attempt(actx, req, kind, key) }); r != nil {
		err := fmt.Errorf("%w: %v", keypool.ErrAttemptPanicked, r.Value)
		e.log.ErrorContext(actx, "attempt_panic",
			slog.String("request_id", req.ID),
			slog.String("key", keyPrefix(key)),
			slog.String("request_type", kind),
			slog.String("model", req.Model),
			slog.String("error", e.pool.HandleError(actx, err, key)),
			slog.String("stack", string(r.Stack)),
		)
		res = result{outcome: outcomeFailed}
	}

	if e.metrics != nil {
		e.metrics.ObserveAttempt(kind, res.outcome.String(), time.Since(start))
	}
	return res
}

func (e *Engine) attempt(ctx context.Context, req *Request, kind, key string) result {
	if kind == TypeStream {
		return e.probe(ctx, req, key)
	}

	res := e.complete(ctx, req, kind, key)
	if kind == TypeFakeStream && res.outcome == outcomeUsable {
		res.queue = simulate(req.chunkID(), req.Model, res.completion.Text)
		res.completion = nil
	}
	return res
}

// complete makes one blocking completion call.
func (e *Engine) complete(ctx context.Context, req *Request, kind, key string) result {
	comp, err := e.client.Complete(ctx, key, req.call())
	if err != nil {
		e.fail(ctx, req, kind, key, err)
		return result{outcome: outcomeFailed}
	}
	if comp == nil || comp.Text == "" {
		e.log.WarnContext(ctx, "attempt_empty",
			slog.String("request_id", req.ID),
			slog.String("key", keyPrefix(key)),
			slog.String("request_type", kind),
			slog.String("model", req.Model),
		)
		return result{outcome: outcomeEmpty}
	}

	e.succeed(req, key)
	if e.metrics != nil {
		e.metrics.AddTokens(comp.Usage.InputTokens, comp.Usage.OutputTokens)
	}
	return result{outcome: outcomeUsable, completion: comp}
}

// fail hands err to the pool for classification and logs the detail.
func (e *Engine) fail(ctx context.Context, req *Request, kind, key string, err error) {
	detail := e.pool.HandleError(ctx, err, key)
	e.log.ErrorContext(ctx, "attempt_failed",
		slog.String("request_id", req.ID),
		slog.String("key", keyPrefix(key)),
		slog.String("request_type", kind),
		slog.String("model", req.Model),
		slog.String("error", detail),
	)
}

// succeed is called for every usable attempt, including ones that later
// lose the race.
func (e *Engine) succeed(req *Request, key string) {
	e.pool.RecordSuccess(key)
	if e.stats != nil {
		e.stats.Record(key, req.Model)
	}
}

// selectWinner consumes every finished attempt in key order and returns the
// index of the first usable one, or -1. Attempts that finished at the same
// time are ranked by their position in the batch, not by finish time.
func selectWinner(finished []*result, consumed []bool) int {
	for i, res := range finished {
		if res == nil || consumed[i] {
			continue
		}
		consumed[i] = true
		if res.outcome == outcomeUsable {
			return i
		}
	}
	return -1
}

func keyPrefix(key string) string {
	return key[:min(8, len(key))]
}
