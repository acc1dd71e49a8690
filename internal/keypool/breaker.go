package keypool

import (
	"sync"
	"time"
)

// BreakerState is the operational state of a per-key circuit breaker.
//
//	BreakerClosed   normal operation; the key is handed out.
//	BreakerOpen     the key keeps failing; it is withheld from dispatch.
//	BreakerHalfOpen the open timeout elapsed; the key is handed out again
//	                and the next result decides whether it closes or reopens.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default breaker thresholds.
const (
	DefaultErrorThreshold  = 5
	DefaultTimeWindow      = 60 * time.Second
	DefaultHalfOpenTimeout = 30 * time.Second
)

// BreakerConfig holds breaker tuning parameters. Zero values fall back to the
// package defaults.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before the key is
	// tried again.
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return DefaultErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return DefaultHalfOpenTimeout
}

type keyBreaker struct {
	mu sync.Mutex

	state       BreakerState
	errorCount  int
	windowStart time.Time
	openedAt    time.Time
}

// Breaker tracks an independent circuit breaker per API key. Keys are
// tracked lazily from their first failure. Safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*keyBreaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreaker creates a Breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*keyBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Available reports whether key may be handed out. An open breaker whose
// timeout has elapsed moves to half-open and becomes available.
func (b *Breaker) Available(key string) bool {
	kb := b.get(key)
	if kb == nil {
		return true
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.state == BreakerOpen {
		if b.now().Sub(kb.openedAt) < b.cfg.halfOpenTimeout() {
			return false
		}
		kb.state = BreakerHalfOpen
	}
	return true
}

// RecordSuccess closes the breaker for key regardless of its previous state.
func (b *Breaker) RecordSuccess(key string) {
	kb := b.get(key)
	if kb == nil {
		return
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	kb.state = BreakerClosed
	kb.errorCount = 0
	kb.windowStart = b.now()
}

// RecordFailure counts a failure for key. Reaching ErrorThreshold within
// TimeWindow opens the breaker; any failure while half-open reopens it.
func (b *Breaker) RecordFailure(key string) {
	kb := b.getOrCreate(key)

	kb.mu.Lock()
	defer kb.mu.Unlock()

	now := b.now()

	if kb.state == BreakerHalfOpen {
		kb.state = BreakerOpen
		kb.openedAt = now
		kb.errorCount = 0
		kb.windowStart = now
		return
	}

	if now.Sub(kb.windowStart) > b.cfg.timeWindow() {
		kb.errorCount = 0
		kb.windowStart = now
	}

	kb.errorCount++

	if kb.errorCount >= b.cfg.errorThreshold() {
		kb.state = BreakerOpen
		kb.openedAt = now
	}
}

// State returns the current state for key.
func (b *Breaker) State(key string) BreakerState {
	kb := b.get(key)
	if kb == nil {
		return BreakerClosed
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.state
}

func (b *Breaker) get(key string) *keyBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.breakers[key]
}

func (b *Breaker) getOrCreate(key string) *keyBreaker {
	if kb := b.get(key); kb != nil {
		return kb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kb, ok := b.breakers[key]
	if !ok {
		kb = &keyBreaker{state: BreakerClosed, windowStart: b.now()}
		b.breakers[key] = kb
	}
	return kb
}
