// Package bus implements the event fabric: validated publish, bounded TTL
// persistence with replay, multi-channel pub/sub transport, declarative
// routing, and the batching core bus that ties them together.
package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trustvector/backend/internal/schema"
)

// DefaultHistoryLimit caps History results when the filter sets no limit.
const DefaultHistoryLimit = 1000

// Filter narrows a History query. Zero values match everything.
type Filter struct {
	Source schema.Source
	Type   schema.EventType
	From   time.Time
	To     time.Time
	Limit  int
}

func (f Filter) matches(e *schema.Envelope) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return f.Limit
}

// EventStore persists envelopes for replay. Persistence is best-effort from
// the bus's point of view: a failed Persist never blocks dispatch.
type EventStore interface {
	Persist(ctx context.Context, e *schema.Envelope, ttl time.Duration) error
	History(ctx context.Context, f Filter) ([]*schema.Envelope, error)
	Contains(ctx context.Context, eventID string) bool
	Close() error
}

// storedEvent is one retained envelope with its eviction bookkeeping.
type storedEvent struct {
	env        *schema.Envelope
	insertedAt time.Time
	expiresAt  time.Time
}

// MemoryEventStore is a bounded in-process store keyed by event id with
// per-entry TTL. When maxEvents is exceeded the oldest insertion is evicted.
type MemoryEventStore struct {
	mu        sync.RWMutex
	maxEvents int
	records   map[string]*storedEvent
	order     []string // insertion order, oldest first
}

// NewMemoryEventStore creates a store capped at maxEvents entries.
func NewMemoryEventStore(maxEvents int) *MemoryEventStore {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemoryEventStore{
		maxEvents: maxEvents,
		records:   make(map[string]*storedEvent),
	}
}

// Persist stores the envelope under its event id. Re-persisting an id the
// store already holds is a no-op.
func (s *MemoryEventStore) Persist(ctx context.Context, e *schema.Envelope, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "persist", Err: err}
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[e.EventID]; ok && rec.expiresAt.After(now) {
		return nil
	}

	expires := now.Add(ttl)
	if ttl <= 0 {
		expires = now.Add(24 * time.Hour)
	}

	s.records[e.EventID] = &storedEvent{env: e.Clone(), insertedAt: now, expiresAt: expires}
	s.order = append(s.order, e.EventID)

	s.compactLocked(now)
	return nil
}

// compactLocked drops expired entries and enforces the cap, oldest first.
func (s *MemoryEventStore) compactLocked(now time.Time) {
	if len(s.order) == 0 {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if !rec.expiresAt.After(now) {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	for len(s.order) > s.maxEvents {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
}

// History returns stored envelopes matching the filter in non-decreasing
// timestamp order, ties broken by event id.
func (s *MemoryEventStore) History(ctx context.Context, f Filter) ([]*schema.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "history", Err: err}
	}

	now := time.Now()

	s.mu.RLock()
	matched := make([]*schema.Envelope, 0)
	for _, rec := range s.records {
		if !rec.expiresAt.After(now) {
			continue
		}
		if f.matches(rec.env) {
			matched = append(matched, rec.env.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].EventID < matched[j].EventID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Contains reports whether a live (non-expired) record exists for the id.
func (s *MemoryEventStore) Contains(ctx context.Context, eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[eventID]
	return ok && rec.expiresAt.After(time.Now())
}

// Len returns the number of retained records, expired entries included
// until the next compaction.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close releases the store.
func (s *MemoryEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*storedEvent)
	s.order = nil
	return nil
}
