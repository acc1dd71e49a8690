package stats

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps events in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add appends events and prunes everything older than Retention relative to
// the newest event.
func (s *MemoryStore) Add(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)

	newest := events[0].At
	for _, ev := range events[1:] {
		if ev.At.After(newest) {
			newest = ev.At
		}
	}
	cutoff := newest.Add(-Retention)
	s.events = slices.DeleteFunc(s.events, func(ev Event) bool { return ev.At.Before(cutoff) })
	return nil
}

// Snapshot summarizes the stored events as seen at now.
func (s *MemoryStore) Snapshot(_ context.Context, now time.Time) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregate(s.events, now), nil
}
