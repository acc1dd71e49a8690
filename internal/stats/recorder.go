package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keyrelay/internal/keypool"
	"github.com/nulpointcorp/keyrelay/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Recorder is a non-blocking, batched front for a Store.
//
// Record writes to a buffered channel that a background goroutine flushes
// to the store in batches, so recording never blocks dispatch. When the
// channel is full new events are dropped and counted in Dropped.
type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	store   Store
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewRecorder starts the flush goroutine. Close stops it after draining.
func NewRecorder(ctx context.Context, store Store, log *slog.Logger, m *metrics.Registry) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("stats: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("stats: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Recorder{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		store:   store,
		baseCtx: ctx,
		log:     log,
		metrics: m,
		now:     time.Now,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record counts one successful call. The raw key never leaves this method.
func (r *Recorder) Record(key, model string) {
	ev := Event{
		ID:    uuid.New(),
		Key:   keypool.Redact(key),
		Model: model,
		At:    r.now(),
	}
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordStatsDropped(1)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Snapshot summarizes the store as of now. Events still buffered are not
// included.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	return r.store.Snapshot(ctx, r.now())
}

// Close flushes buffered events and stops the background goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.store.Add(context.WithoutCancel(r.baseCtx), batch); err != nil {
			r.log.WarnContext(r.baseCtx, "stats_flush_error",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case ev := <-r.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
