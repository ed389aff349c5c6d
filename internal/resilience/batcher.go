package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchItem is one queued request with its correlation id.
type BatchItem struct {
	CorrelationID string
	Request       Request

	result chan BatchResult
}

// BatchResult carries one item's outcome back to its submitter.
type BatchResult struct {
	CorrelationID string
	Value         interface{}
	Err           error
}

// FlushFunc executes a homogeneous batch (same target and action) and
// returns one result per item, matched by correlation id. Items missing
// from the returned slice fail with an error.
type FlushFunc func(ctx context.Context, target, action string, items []BatchItem) []BatchResult

// Batcher coalesces low-urgency requests per (target, action): a group
// flushes when it reaches maxSize or when its window elapses, whichever
// comes first.
type Batcher struct {
	flush   FlushFunc
	maxSize int
	window  time.Duration

	mu     sync.Mutex
	groups map[string]*batchGroup
	closed bool
	wg     sync.WaitGroup
}

type batchGroup struct {
	target string
	action string
	items  []BatchItem
	timer  *time.Timer
}

// NewBatcher creates a batcher flushing at maxSize items (default 50) or
// after window (default 2s).
func NewBatcher(flush FlushFunc, maxSize int, window time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = 50
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Batcher{
		flush:   flush,
		maxSize: maxSize,
		window:  window,
		groups:  make(map[string]*batchGroup),
	}
}

// Submit queues the request and returns its correlation id plus the channel
// the result arrives on. The channel receives exactly one value.
func (b *Batcher) Submit(req Request) (string, <-chan BatchResult, error) {
	item := BatchItem{
		CorrelationID: uuid.New().String(),
		Request:       req,
		result:        make(chan BatchResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, fmt.Errorf("batcher closed")
	}

	key := req.Target + ":" + req.Action
	group, ok := b.groups[key]
	if !ok {
		group = &batchGroup{target: req.Target, action: req.Action}
		group.timer = time.AfterFunc(b.window, func() { b.flushGroup(key) })
		b.groups[key] = group
	}
	group.items = append(group.items, item)
	full := len(group.items) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flushGroup(key)
	}
	return item.CorrelationID, item.result, nil
}

// flushGroup detaches the group and executes it. Safe to call from the size
// trigger and the timer concurrently; the second caller finds no group.
func (b *Batcher) flushGroup(key string) {
	b.mu.Lock()
	group, ok := b.groups[key]
	if ok {
		delete(b.groups, key)
		group.timer.Stop()
	}
	b.mu.Unlock()

	if !ok || len(group.items) == 0 {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(group)
	}()
}

func (b *Batcher) run(group *batchGroup) {
	slog.Debug("[Batcher] Flushing batch",
		"target", group.target, "action", group.action, "items", len(group.items))

	results := b.flush(context.Background(), group.target, group.action, group.items)

	byID := make(map[string]BatchResult, len(results))
	for _, r := range results {
		byID[r.CorrelationID] = r
	}

	for _, item := range group.items {
		r, ok := byID[item.CorrelationID]
		if !ok {
			r = BatchResult{
				CorrelationID: item.CorrelationID,
				Err:           fmt.Errorf("no result for correlation id %s", item.CorrelationID),
			}
		}
		item.result <- r
	}
}

// Close flushes every pending group and waits for their executions.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	keys := make([]string, 0, len(b.groups))
	for key := range b.groups {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.flushGroup(key)
	}
	b.wg.Wait()
}
