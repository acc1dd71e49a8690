package dispatch

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/keyrelay/internal/backend"
	"github.com/nulpointcorp/keyrelay/internal/sse"
)

// probe opens a stream and reads until the first non-empty fragment. The
// probe stream is then abandoned and the attempt reports a way to open a
// fresh one, so the client receives the answer from its first token.
func (e *Engine) probe(ctx context.Context, req *Request, key string) result {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := req.call()
	chunks, err := e.client.Stream(pctx, key, call)
	if err != nil {
		e.fail(ctx, req, TypeStream, key, err)
		return result{outcome: outcomeFailed}
	}

	for c := range chunks {
		if c.Err != nil {
			e.fail(ctx, req, TypeStream, key, c.Err)
			return result{outcome: outcomeFailed}
		}
		if c.Content == "" {
			continue
		}

		e.succeed(req, key)
		return result{
			outcome: outcomeUsable,
			reopen: func(ctx context.Context) (<-chan backend.StreamChunk, error) {
				return e.client.Stream(ctx, key, call)
			},
		}
	}

	e.log.WarnContext(ctx, "attempt_empty",
		slog.String("request_id", req.ID),
		slog.String("key", keyPrefix(key)),
		slog.String("request_type", TypeStream),
		slog.String("model", req.Model),
	)
	return result{outcome: outcomeEmpty}
}

// relayStream reopens the winner's stream and relays every fragment as a
// content frame, then the sentinel. An upstream failure after the winner is
// declared ends the stream with an error frame.
func (e *Engine) relayStream(ctx context.Context, req *Request, w *winner, sink Sink) error {
	rctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	chunks, err := w.res.reopen(rctx)
	if err != nil {
		return e.relayFailed(ctx, req, w.key, err, sink)
	}

	for c := range chunks {
		if c.Err != nil {
			return e.relayFailed(ctx, req, w.key, c.Err, sink)
		}
		if c.Content == "" && c.FinishReason == "" {
			continue
		}
		if err := sink(sse.Chunk(req.chunkID(), req.Model, c.Content, c.FinishReason)); err != nil {
			return err
		}
	}
	return sink(sse.Done())
}

func (e *Engine) relayFailed(ctx context.Context, req *Request, key string, err error, sink Sink) error {
	detail := e.pool.HandleError(context.WithoutCancel(ctx), err, key)
	e.log.ErrorContext(ctx, "relay_failed",
		slog.String("request_id", req.ID),
		slog.String("key", keyPrefix(key)),
		slog.String("request_type", TypeStream),
		slog.String("model", req.Model),
		slog.String("error", detail),
	)
	if err := sink(sse.Error(req.Model, "\n\n[error: upstream stream failed: "+detail+"]")); err != nil {
		return err
	}
	return sink(sse.Done())
}
