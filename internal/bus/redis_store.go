package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustvector/backend/internal/schema"
)

// RedisClient is the minimal key/value surface the broker-backed store
// needs. Any Redis library (go-redis, redigo) can satisfy it; the bus never
// imports a specific driver — cmd wiring creates the concrete client and
// injects it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
}

// RedisEventStore persists a broker copy of each envelope under
// "{source}:event:{event_id}" with the configured TTL, plus a sorted index
// keyed by timestamp for replay queries.
type RedisEventStore struct {
	client    RedisClient
	keyPrefix string // namespaces the index and id-lookup keys
	maxEvents int
}

// NewRedisEventStore creates a broker-backed event store.
func NewRedisEventStore(client RedisClient, keyPrefix string, maxEvents int) *RedisEventStore {
	if keyPrefix == "" {
		keyPrefix = "fabric:"
	}
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &RedisEventStore{client: client, keyPrefix: keyPrefix, maxEvents: maxEvents}
}

func (s *RedisEventStore) indexKey() string { return s.keyPrefix + "event_index" }

func (s *RedisEventStore) idKey(eventID string) string {
	return s.keyPrefix + "event_id:" + eventID
}

func envelopeKey(e *schema.Envelope) string {
	return fmt.Sprintf("%s:event:%s", e.Source, e.EventID)
}

// Persist writes the envelope copy, an id lookup entry, and an index member.
func (s *RedisEventStore) Persist(ctx context.Context, e *schema.Envelope, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return &StorageError{Op: "persist", Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	key := envelopeKey(e)
	if err := s.client.Set(ctx, key, data, ttl); err != nil {
		return &StorageError{Op: "persist", Err: fmt.Errorf("redis SET %s: %w", key, err)}
	}
	if err := s.client.Set(ctx, s.idKey(e.EventID), []byte(key), ttl); err != nil {
		return &StorageError{Op: "persist", Err: fmt.Errorf("redis SET id lookup: %w", err)}
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), float64(e.Timestamp.UnixNano()), key); err != nil {
		return &StorageError{Op: "persist", Err: fmt.Errorf("redis ZADD index: %w", err)}
	}

	s.enforceCap(ctx)
	return nil
}

// enforceCap evicts the oldest index members past maxEvents. Best-effort:
// eviction failures only log.
func (s *RedisEventStore) enforceCap(ctx context.Context) {
	count, err := s.client.ZCard(ctx, s.indexKey())
	if err != nil || count <= int64(s.maxEvents) {
		return
	}

	excess := count - int64(s.maxEvents)
	oldest, err := s.client.ZRange(ctx, s.indexKey(), 0, excess-1)
	if err != nil || len(oldest) == 0 {
		return
	}

	if err := s.client.Del(ctx, oldest...); err != nil {
		slog.Warn("[RedisEventStore] Eviction DEL failed", "error", err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(), oldest...); err != nil {
		slog.Warn("[RedisEventStore] Eviction ZREM failed", "error", err)
	}
}

// History replays stored envelopes matching the filter, timestamp order,
// ties broken by event id. Index members whose envelope has expired are
// pruned as they are encountered.
func (s *RedisEventStore) History(ctx context.Context, f Filter) ([]*schema.Envelope, error) {
	min := float64(0)
	if !f.From.IsZero() {
		min = float64(f.From.UnixNano())
	}
	max := float64(time.Now().Add(time.Hour).UnixNano())
	if !f.To.IsZero() {
		max = float64(f.To.UnixNano())
	}

	// Over-fetch: source/type filtering happens client-side.
	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), min, max, 0)
	if err != nil {
		return nil, &StorageError{Op: "history", Err: fmt.Errorf("redis ZRANGEBYSCORE: %w", err)}
	}

	limit := f.limit()
	results := make([]*schema.Envelope, 0, limit)
	var stale []string

	for _, key := range keys {
		if len(results) >= limit {
			break
		}
		data, err := s.client.Get(ctx, key)
		if err != nil {
			stale = append(stale, key)
			continue
		}
		var e schema.Envelope
		if err := json.Unmarshal(data, &e); err != nil {
			slog.Warn("[RedisEventStore] Corrupt envelope record", "key", key, "error", err)
			stale = append(stale, key)
			continue
		}
		if f.matches(&e) {
			results = append(results, &e)
		}
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), stale...); err != nil {
			slog.Warn("[RedisEventStore] Index prune failed", "error", err)
		}
	}
	return results, nil
}

// Contains reports whether a live broker copy exists for the event id.
func (s *RedisEventStore) Contains(ctx context.Context, eventID string) bool {
	ok, err := s.client.Exists(ctx, s.idKey(eventID))
	return err == nil && ok
}

// Close is a no-op; the injected client's lifecycle belongs to the caller.
func (s *RedisEventStore) Close() error { return nil }

var _ EventStore = (*RedisEventStore)(nil)
var _ EventStore = (*MemoryEventStore)(nil)
