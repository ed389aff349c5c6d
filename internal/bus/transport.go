package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trustvector/backend/internal/schema"
)

// Handler processes a delivered envelope.
type Handler func(ctx context.Context, e *schema.Envelope) error

// FilterFunc narrows a subscription; the handler only sees envelopes for
// which the filter returns true.
type FilterFunc func(e *schema.Envelope) bool

// Transport fans processed envelopes out to subscribers. A "component
// channel" carries both events originating from that component and events
// routed to it.
type Transport interface {
	// Deliver dispatches the envelope on the named component channel.
	Deliver(ctx context.Context, component schema.Source, e *schema.Envelope)

	// Subscribe registers a handler for a channel pattern:
	// "{component}:{type}", "{component}:*", or "*".
	Subscribe(pattern string, handler Handler, filter FilterFunc) (*Subscription, error)

	// Unsubscribe stops deliveries to a subscription. A handler may receive
	// at most one more event already sitting in its queue.
	Unsubscribe(id string) error

	Close(ctx context.Context) error
}

// Broker channel naming. Every envelope published through a broker backend
// lands on three channels; subscribers dedupe per subscription.
const GlobalWildcardChannel = "global:event:*"

func ComponentChannel(component schema.Source, t schema.EventType) string {
	return fmt.Sprintf("%s:event:%s", component, t)
}

func GlobalChannel(t schema.EventType) string {
	return fmt.Sprintf("global:event:%s", t)
}

// Pattern is a parsed subscription pattern.
type Pattern struct {
	Component string // "*" matches every channel
	Type      string // "*" matches every event type
}

// ParsePattern accepts "*", "{component}:*", and "{component}:{type}".
func ParsePattern(s string) (Pattern, error) {
	if s == "*" {
		return Pattern{Component: "*", Type: "*"}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pattern{}, fmt.Errorf("invalid subscription pattern %q", s)
	}
	return Pattern{Component: parts[0], Type: parts[1]}, nil
}

func (p Pattern) String() string {
	if p.Component == "*" && p.Type == "*" {
		return "*"
	}
	return p.Component + ":" + p.Type
}

// Matches reports whether the pattern accepts an envelope delivered on the
// given component channel.
func (p Pattern) Matches(component schema.Source, e *schema.Envelope) bool {
	if p.Component != "*" && p.Component != string(component) {
		return false
	}
	if p.Type != "*" && p.Type != string(e.Type) {
		return false
	}
	return true
}

// recentIDs is a fixed-capacity set of recently seen event ids. It dedupes
// multi-channel fanout so each subscription observes an event id at most
// once.
type recentIDs struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{
		set:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Add records the id; it returns false when the id was already present.
func (r *recentIDs) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.set[id]; dup {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.set[id] = struct{}{}
	return true
}

const (
	subscriptionQueueSize = 256
	recentIDCapacity      = 1024
)

// Subscription is one registered handler with its own FIFO dispatch queue.
type Subscription struct {
	ID      string
	pattern Pattern
	filter  FilterFunc
	handler Handler

	queue       chan *schema.Envelope
	done        chan struct{}
	once        sync.Once
	seen        *recentIDs
	drainOnStop atomic.Bool
}

// Pattern returns the parsed pattern the subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern.String() }

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// DeliveryHook observes every handler invocation outcome. latency is wall
// time between the envelope timestamp and handler completion.
type DeliveryHook func(sub *Subscription, e *schema.Envelope, err error, latency time.Duration)

// LocalTransport is the in-process transport backend. Each subscription gets
// a dedicated dispatch goroutine, so delivery order per subscriber is the
// order events were enqueued.
type LocalTransport struct {
	mu             sync.RWMutex
	subs           map[string]*Subscription
	handlerTimeout time.Duration
	hook           DeliveryHook
	closed         bool
	wg             sync.WaitGroup
}

// NewLocalTransport creates an in-process transport. handlerTimeout bounds
// every handler invocation (default 10s).
func NewLocalTransport(handlerTimeout time.Duration) *LocalTransport {
	if handlerTimeout <= 0 {
		handlerTimeout = 10 * time.Second
	}
	return &LocalTransport{
		subs:           make(map[string]*Subscription),
		handlerTimeout: handlerTimeout,
	}
}

// SetDeliveryHook installs the metrics callback. Must be set before the
// first Subscribe.
func (t *LocalTransport) SetDeliveryHook(hook DeliveryHook) {
	t.hook = hook
}

// Subscribe registers a handler for the pattern.
func (t *LocalTransport) Subscribe(pattern string, handler Handler, filter FilterFunc) (*Subscription, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		pattern: p,
		filter:  filter,
		handler: handler,
		queue:   make(chan *schema.Envelope, subscriptionQueueSize),
		done:    make(chan struct{}),
		seen:    newRecentIDs(recentIDCapacity),
	}
	t.subs[sub.ID] = sub

	t.wg.Add(1)
	go t.dispatchLoop(sub)

	return sub, nil
}

// Unsubscribe removes the subscription. In-flight dispatch is not raced:
// the dispatch goroutine drains at most the event it already dequeued.
func (t *LocalTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.stop()
	return nil
}

// Deliver enqueues the envelope to every matching subscription. Enqueueing
// preserves caller order, which is what gives per-(source, type) FIFO.
func (t *LocalTransport) Deliver(ctx context.Context, component schema.Source, e *schema.Envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return
	}

	for _, sub := range t.subs {
		if !sub.pattern.Matches(component, e) {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		if !sub.seen.Add(e.EventID) {
			continue // already delivered on another channel
		}
		select {
		case sub.queue <- e:
		default:
			slog.Warn("[Transport] Subscriber queue full, dropping event",
				"subscription", sub.ID, "pattern", sub.pattern.String(), "event", e.String())
			if t.hook != nil {
				t.hook(sub, e, fmt.Errorf("queue full"), 0)
			}
		}
	}
}

// dispatchLoop owns all handler invocations for one subscription. On a
// shutdown stop the remaining queue is delivered before the goroutine exits;
// Close's grace context bounds how long that drain may take. An Unsubscribe
// stop exits immediately, so an unsubscribed handler sees at most the event
// already dequeued.
func (t *LocalTransport) dispatchLoop(sub *Subscription) {
	defer t.wg.Done()

	for {
		select {
		case e := <-sub.queue:
			t.invoke(sub, e)
		case <-sub.done:
			if !sub.drainOnStop.Load() {
				return
			}
			for {
				select {
				case e := <-sub.queue:
					t.invoke(sub, e)
				default:
					return
				}
			}
		}
	}
}

// invoke runs the handler with the dispatch deadline. A timed-out handler
// is abandoned; its side effects may still occur.
func (t *LocalTransport) invoke(sub *Subscription, e *schema.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), t.handlerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		errCh <- sub.handler(ctx, e)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("handler deadline exceeded: %w", ctx.Err())
	}

	latency := time.Since(e.Timestamp)
	if err != nil {
		slog.Warn("[Transport] Handler error",
			"subscription", sub.ID, "pattern", sub.pattern.String(),
			"event", e.String(), "error", err)
		err = &SubscriberError{SubscriptionID: sub.ID, Pattern: sub.pattern.String(), Err: err}
	}
	if t.hook != nil {
		t.hook(sub, e, err, latency)
	}
}

// Close stops all subscriptions and waits up to the context deadline for
// in-flight dispatches to finish.
func (t *LocalTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.drainOnStop.Store(true)
		sub.stop()
	}

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		slog.Warn("[Transport] Close grace window elapsed, abandoning in-flight dispatches")
		return ctx.Err()
	}
}

var _ Transport = (*LocalTransport)(nil)
