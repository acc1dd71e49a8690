// Package stats counts successful upstream calls per key and model over the
// last 24 hours and summarizes them for the dashboard.
package stats

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Retention is how far back a Snapshot looks. Older events are pruned.
const Retention = 24 * time.Hour

// Event is one successful call.
type Event struct {
	ID    uuid.UUID
	Key   string // redacted
	Model string
	At    time.Time
}

// Store persists events.
type Store interface {
	Add(ctx context.Context, events []Event) error
	Snapshot(ctx context.Context, now time.Time) (*Snapshot, error)
}

// KeyStats is the per-key part of a Snapshot.
type KeyStats struct {
	Key        string         `json:"api_key"`
	Calls24h   int            `json:"calls_24h"`
	ModelStats map[string]int `json:"model_stats"`
}

// Snapshot summarizes the events inside the retention window.
type Snapshot struct {
	Last24h    int        `json:"last_24h_calls"`
	LastHour   int        `json:"hourly_calls"`
	LastMinute int        `json:"minute_calls"`
	Models     []string   `json:"models"`
	Keys       []KeyStats `json:"api_key_stats"`
}

// aggregate builds a Snapshot from events; events outside the retention
// window relative to now are ignored.
func aggregate(events []Event, now time.Time) *Snapshot {
	snap := &Snapshot{Keys: []KeyStats{}, Models: []string{}}
	byKey := make(map[string]*KeyStats)
	models := make(map[string]struct{})

	for _, ev := range events {
		age := now.Sub(ev.At)
		if age < 0 || age > Retention {
			continue
		}
		snap.Last24h++
		if age <= time.Hour {
			snap.LastHour++
		}
		if age <= time.Minute {
			snap.LastMinute++
		}

		ks, ok := byKey[ev.Key]
		if !ok {
			ks = &KeyStats{Key: ev.Key, ModelStats: make(map[string]int)}
			byKey[ev.Key] = ks
		}
		ks.Calls24h++
		ks.ModelStats[ev.Model]++
		models[ev.Model] = struct{}{}
	}

	for _, ks := range byKey {
		snap.Keys = append(snap.Keys, *ks)
	}
	slices.SortFunc(snap.Keys, func(a, b KeyStats) int { return strings.Compare(a.Key, b.Key) })

	for m := range models {
		snap.Models = append(snap.Models, m)
	}
	slices.Sort(snap.Models)
	return snap
}
