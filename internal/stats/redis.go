package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding call events.
const DefaultRedisKey = "keyrelay:stats:calls"

// RedisStore keeps events in one sorted set scored by unix milliseconds, so
// every replica sharing the Redis contributes to the same counters.
//
// Members have the form "<millis>|<key>|<model>|<uuid>"; the uuid keeps
// identical calls in the same millisecond distinct.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore creates a RedisStore on rdb. An empty key uses
// DefaultRedisKey.
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Add writes events and trims entries older than Retention in one
// transaction.
func (s *RedisStore) Add(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	members := make([]redis.Z, len(events))
	newest := events[0].At
	for i, ev := range events {
		members[i] = redis.Z{Score: float64(ev.At.UnixMilli()), Member: encodeMember(ev)}
		if ev.At.After(newest) {
			newest = ev.At
		}
	}
	cutoff := newest.Add(-Retention).UnixMilli()

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.key, members...)
	pipe.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, s.key, Retention+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: redis add: %w", err)
	}
	return nil
}

// Snapshot reads the retention window ending at now.
func (s *RedisStore) Snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-Retention).UnixMilli(), 10),
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: redis snapshot: %w", err)
	}

	events := make([]Event, 0, len(members))
	for _, m := range members {
		ev, ok := decodeMember(m)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return aggregate(events, now), nil
}

func encodeMember(ev Event) string {
	return strconv.FormatInt(ev.At.UnixMilli(), 10) + "|" + ev.Key + "|" + ev.Model + "|" + ev.ID.String()
}

func decodeMember(m string) (Event, bool) {
	parts := strings.SplitN(m, "|", 4)
	if len(parts) != 4 {
		return Event{}, false
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Event{}, false
	}
	id, err := uuid.Parse(parts[3])
	if err != nil {
		return Event{}, false
	}
	return Event{ID: id, Key: parts[1], Model: parts[2], At: time.UnixMilli(ms)}, true
}
