package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/trustvector/backend/internal/schema"
)

// TrustAwarder applies a trust.points.earned envelope to the ledger. The
// ledger is idempotent on evidence_event_id, so replays are safe.
type TrustAwarder interface {
	Award(ctx context.Context, e *schema.Envelope) error
}

// trustAward maps an event type to the points it earns the platform entity
// when the fabric processes it.
type trustAward struct {
	points   float64
	category string
}

var trustAwards = map[schema.EventType]trustAward{
	schema.EventRegulationDetected:      {25, "compliance"},
	schema.EventComplianceGapIdentified: {10, "compliance"},
	schema.EventVulnerabilityDiscovered: {15, "security"},
	schema.EventSecurityPostureUpdated:  {20, "security"},
	schema.EventRiskQuantified:          {20, "risk_management"},
	schema.EventMonitoringAlert:         {5, "security"},
	schema.EventMetricsCollected:        {5, "automation"},
	schema.EventThreatIntelUpdated:      {15, "intelligence"},
}

// Options wires a Bus. Zero fields fall back to in-memory defaults.
type Options struct {
	Store     EventStore
	Transport Transport
	Router    *Router
	Metrics   *Metrics

	PersistEnabled bool
	TTL            time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	MaxConcurrency int
	ShutdownGrace  time.Duration
}

func (o *Options) fillDefaults() {
	if o.Store == nil {
		o.Store = NewMemoryEventStore(10000)
	}
	if o.Transport == nil {
		o.Transport = NewLocalTransport(10 * time.Second)
	}
	if o.Router == nil {
		o.Router = NewRouter(DefaultRules())
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

// hookSetter lets the bus attach its metrics callback to whichever
// transport backend it was given.
type hookSetter interface {
	SetDeliveryHook(DeliveryHook)
}

// Bus is the core event fabric: it validates, persists, routes, and
// dispatches envelopes, batching the steady-state load and fast-pathing
// critical events.
type Bus struct {
	opts    Options
	store   EventStore
	trans   Transport
	router  *Router
	metrics *Metrics

	mu        sync.Mutex
	queue     []*schema.Envelope
	seen      map[string]struct{} // every event id accepted this lifetime
	processed map[string]struct{} // ids already processed (fast path or flush)

	flushLatch sync.Mutex // single logical owner of the drain operation
	sem        *semaphore.Weighted

	awarder TrustAwarder

	stopCh   chan struct{}
	loopDone chan struct{}
	closed   bool
}

// New assembles a bus and starts its flush loop.
func New(opts Options) *Bus {
	opts.fillDefaults()

	b := &Bus{
		opts:      opts,
		store:     opts.Store,
		trans:     opts.Transport,
		router:    opts.Router,
		metrics:   opts.Metrics,
		seen:      make(map[string]struct{}),
		processed: make(map[string]struct{}),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	if b.metrics != nil {
		if hs, ok := b.trans.(hookSetter); ok {
			hs.SetDeliveryHook(func(sub *Subscription, e *schema.Envelope, err error, latency time.Duration) {
				b.metrics.RecordHandled(sub.Pattern(), err, latency)
				if err != nil {
					b.metrics.RecordError("subscriber")
				}
			})
		}
	}

	go b.flushLoop()
	return b
}

// AttachLedger binds the trust awarder. Wired after construction because the
// ledger publishes back through the bus.
func (b *Bus) AttachLedger(awarder TrustAwarder) {
	b.awarder = awarder
}

// Publish validates the envelope, assigns missing fields, and enqueues it
// for the next flush. Critical fast-path envelopes are processed
// synchronously as well; the queued copy is de-duplicated by event id.
// Publishing a duplicate event id is an idempotent no-op.
func (b *Bus) Publish(ctx context.Context, e *schema.Envelope) error {
	return b.publish(ctx, e, false)
}

func (b *Bus) publish(ctx context.Context, e *schema.Envelope, internal bool) error {
	if err := schema.Validate(e); err != nil {
		b.recordError(errKind(err))
		return err
	}
	e.Fill()

	b.mu.Lock()
	if b.closed && !internal {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if _, dup := b.seen[e.EventID]; dup {
		b.mu.Unlock()
		b.recordError("duplicate")
		slog.Debug("[Bus] Duplicate publish ignored", "event", e.String())
		return nil
	}
	b.seen[e.EventID] = struct{}{}
	b.queue = append(b.queue, e)
	queueDepth := len(b.queue)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordPublished(string(e.Source), string(e.Type))
		b.metrics.QueueDepth.Set(float64(queueDepth))
	}

	if schema.IsHighPriority(e) {
		b.processNow(ctx, e)
	}
	return nil
}

// processNow is the synchronous fast path for critical envelopes.
func (b *Bus) processNow(ctx context.Context, e *schema.Envelope) {
	if !b.claim(e.EventID) {
		return
	}
	routes := b.persistAndRoute(ctx, e)
	b.dispatch(ctx, e, routes)
}

// claim marks an event id as processed exactly once. The flush loop and the
// fast path race for it; the loser skips the envelope.
func (b *Bus) claim(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.processed[eventID]; done {
		return false
	}
	b.processed[eventID] = struct{}{}
	return true
}

// flushLoop wakes every FlushInterval and drains one batch.
func (b *Bus) flushLoop() {
	defer close(b.loopDone)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushOnce(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// flushOnce drains up to BatchSize queued envelopes and processes them. The
// latch guarantees a single drain owner; dispatch fans out under the
// concurrency bound.
func (b *Bus) flushOnce(ctx context.Context) {
	if !b.flushLatch.TryLock() {
		return // previous flush still in progress
	}
	defer b.flushLatch.Unlock()

	b.mu.Lock()
	var batch []*schema.Envelope
	remaining := b.queue[:0]
	for _, e := range b.queue {
		if len(batch) < b.opts.BatchSize {
			if _, done := b.processed[e.EventID]; done {
				continue // fast path already handled it
			}
			b.processed[e.EventID] = struct{}{}
			batch = append(batch, e)
			continue
		}
		remaining = append(remaining, e)
	}
	b.queue = append([]*schema.Envelope(nil), remaining...)
	queueDepth := len(b.queue)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.QueueDepth.Set(float64(queueDepth))
	}
	if len(batch) == 0 {
		return
	}
	if b.metrics != nil {
		b.metrics.BatchSize.Observe(float64(len(batch)))
	}

	// Phase 1: persist and route concurrently, bounded by MaxConcurrency.
	routes := make([][]RoutedEvent, len(batch))
	var wg sync.WaitGroup
	for i, e := range batch {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			routes[i] = b.router.Route(e)
			continue
		}
		wg.Add(1)
		go func(i int, e *schema.Envelope) {
			defer wg.Done()
			defer b.sem.Release(1)
			routes[i] = b.persistAndRoute(ctx, e)
		}(i, e)
	}
	wg.Wait()

	// Phase 2: dispatch in publication order so per-(source, type) FIFO
	// holds for subscribers.
	for i, e := range batch {
		b.dispatch(ctx, e, routes[i])
	}
}

// persistAndRoute stores the envelope (best-effort) and computes fan-out.
func (b *Bus) persistAndRoute(ctx context.Context, e *schema.Envelope) []RoutedEvent {
	if b.opts.PersistEnabled {
		if err := b.store.Persist(ctx, e, b.opts.TTL); err != nil {
			b.recordError("storage")
			slog.Warn("[Bus] Persist failed, dispatching anyway", "event", e.String(), "error", err)
		}
	}
	return b.router.Route(e)
}

// dispatch delivers the envelope on its origin channel and every routed
// target channel, then applies trust side effects.
func (b *Bus) dispatch(ctx context.Context, e *schema.Envelope, routes []RoutedEvent) {
	b.trans.Deliver(ctx, e.Source, e)
	for _, pair := range routes {
		b.trans.Deliver(ctx, pair.Target, pair.Envelope)
	}

	if e.Type == schema.EventTrustPointsEarned && b.awarder != nil {
		if err := b.awarder.Award(ctx, e); err != nil {
			b.recordError("ledger")
			slog.Warn("[Bus] Trust award failed", "event", e.String(), "error", err)
		}
	}

	if award, ok := trustAwards[e.Type]; ok {
		b.emitTrustPoints(ctx, e, award)
	}

	if schema.IsHighPriority(e) {
		b.emitEmergencyDecision(ctx, e)
	}
}

// emitTrustPoints publishes the trust.points.earned side effect for event
// types that earn platform trust equity.
func (b *Bus) emitTrustPoints(ctx context.Context, evidence *schema.Envelope, award trustAward) {
	points := schema.NewEnvelope(evidence.Source, schema.EventTrustPointsEarned, map[string]interface{}{
		"entity_id":         "system",
		"entity_type":       "organization",
		"points":            award.points,
		"category":          award.category,
		"multiplier":        1.0,
		"evidence_event_id": evidence.EventID,
	})
	if err := b.publish(ctx, points, true); err != nil {
		slog.Warn("[Bus] Trust point emission failed", "evidence", evidence.String(), "error", err)
	}
}

// emitEmergencyDecision raises the human escalation for critical fast-path
// events: immediate urgency, 30 minute SLA.
func (b *Bus) emitEmergencyDecision(ctx context.Context, evidence *schema.Envelope) {
	decision := schema.NewEnvelope(schema.SourceClearance, schema.EventEmergencyDecision, map[string]interface{}{
		"decision_id":       uuid.New().String(),
		"urgency":           "immediate",
		"sla_minutes":       30,
		"approval_level":    "executive",
		"reason":            fmt.Sprintf("critical %s requires human decision", evidence.Type),
		"evidence_event_id": evidence.EventID,
	})
	if err := b.publish(ctx, decision, true); err != nil {
		slog.Warn("[Bus] Emergency decision emission failed", "evidence", evidence.String(), "error", err)
	}
}

// Subscribe registers a handler for a channel pattern with an optional
// filter. It returns the subscription; use Unsubscribe with its ID.
func (b *Bus) Subscribe(pattern string, handler Handler, filter FilterFunc) (*Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}
	return b.trans.Subscribe(pattern, handler, filter)
}

// Unsubscribe detaches a subscription by id.
func (b *Bus) Unsubscribe(id string) error {
	return b.trans.Unsubscribe(id)
}

// History queries the persistence store. Storage failures surface to the
// caller here, unlike the publish path.
func (b *Bus) History(ctx context.Context, f Filter) ([]*schema.Envelope, error) {
	events, err := b.store.History(ctx, f)
	if err != nil {
		b.recordError("storage")
		return nil, err
	}
	return events, nil
}

// Store exposes the persistence layer to collaborators that need existence
// checks (the ledger's evidence validation).
func (b *Bus) Store() EventStore { return b.store }

// Stats snapshots throughput counters and the handler latency window.
func (b *Bus) Stats() Stats {
	if b.metrics == nil {
		return Stats{}
	}
	return b.metrics.Snapshot()
}

// Flush forces a drain pass. Intended for tests and shutdown; production
// traffic rides the flush loop.
func (b *Bus) Flush(ctx context.Context) {
	b.flushOnce(ctx)
}

// Shutdown drains the queue (side-effect envelopes included), stops the
// flush loop, and closes the transport within the grace window.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.loopDone

	// Drain until quiescent: processing a batch may enqueue trust-point or
	// escalation envelopes, so loop until the queue stays empty.
	for i := 0; i < 100; i++ {
		b.mu.Lock()
		empty := len(b.queue) == 0
		b.mu.Unlock()
		if empty {
			break
		}
		b.flushOnce(ctx)
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), b.opts.ShutdownGrace)
	defer cancel()
	if err := b.trans.Close(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("close transport: %w", err)
	}
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	slog.Info("[Bus] Shutdown complete")
	return nil
}

func (b *Bus) recordError(kind string) {
	if b.metrics != nil {
		b.metrics.RecordError(kind)
	}
}

// errKind classifies a publish error for the error metric.
func errKind(err error) string {
	var schemaErr *schema.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		return "schema"
	case errors.Is(err, schema.ErrUnknownVariant):
		return "schema"
	default:
		return "publish"
	}
}
