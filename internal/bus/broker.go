package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/trustvector/backend/internal/schema"
)

// RedisPubSubClient is the minimal pub/sub surface the broker transport
// needs. Separate from RedisClient because pub/sub has a different usage
// pattern.
type RedisPubSubClient interface {
	// Publish sends a message to a broker channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on an exact channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)

	// PSubscribe registers a callback for messages on a channel glob
	// (component-wildcard subscriptions need "{component}:event:*").
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (unsubscribe func(), err error)
}

// RedisTransport distributes envelopes across processes using broker
// pub/sub while keeping zero-latency local fanout for co-located
// subscribers. Every envelope is published on three channels
// ({component}:event:{type}, global:event:{type}, global:event:*); the
// per-subscription dedupe in the local transport guarantees at most one
// delivery per registered subscription.
type RedisTransport struct {
	local  *LocalTransport
	pubsub RedisPubSubClient

	mu         sync.Mutex
	unsubFuncs map[string]func() // broker unsubscribe per subscription id
	closed     bool
}

// NewRedisTransport wraps the local transport with broker distribution.
func NewRedisTransport(local *LocalTransport, client RedisPubSubClient) *RedisTransport {
	return &RedisTransport{
		local:      local,
		pubsub:     client,
		unsubFuncs: make(map[string]func()),
	}
}

// SetDeliveryHook forwards the metrics callback to the local fanout layer.
func (t *RedisTransport) SetDeliveryHook(hook DeliveryHook) {
	t.local.SetDeliveryHook(hook)
}

// Deliver fans out locally, then mirrors the envelope to the broker so
// subscribers on other processes receive it. Broker failures degrade to
// local-only delivery.
func (t *RedisTransport) Deliver(ctx context.Context, component schema.Source, e *schema.Envelope) {
	t.local.Deliver(ctx, component, e)

	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("[RedisTransport] Marshal failed, local-only delivery", "event", e.String(), "error", err)
		return
	}

	channels := []string{ComponentChannel(component, e.Type)}
	if component == e.Source {
		// Global channels carry each envelope once, from its origin.
		channels = append(channels, GlobalChannel(e.Type), GlobalWildcardChannel)
	}
	for _, channel := range channels {
		if err := t.pubsub.Publish(ctx, channel, data); err != nil {
			slog.Warn("[RedisTransport] Broker publish failed", "channel", channel, "error", err)
		}
	}
}

// Subscribe registers the handler locally and attaches the matching broker
// channel so remote publishes reach it too.
func (t *RedisTransport) Subscribe(pattern string, handler Handler, filter FilterFunc) (*Subscription, error) {
	sub, err := t.local.Subscribe(pattern, handler, filter)
	if err != nil {
		return nil, err
	}

	p := sub.pattern
	var unsub func()
	var subErr error

	switch {
	case p.Component == "*":
		unsub, subErr = t.pubsub.Subscribe(context.Background(), GlobalWildcardChannel, func(payload []byte) {
			t.redeliver(GlobalWildcardChannel, payload)
		})
	case p.Type == "*":
		glob := p.Component + ":event:*"
		unsub, subErr = t.pubsub.PSubscribe(context.Background(), glob, t.redeliver)
	default:
		channel := p.Component + ":event:" + p.Type
		unsub, subErr = t.pubsub.Subscribe(context.Background(), channel, func(payload []byte) {
			t.redeliver(channel, payload)
		})
	}

	if subErr != nil {
		slog.Warn("[RedisTransport] Broker subscribe failed, local-only mode",
			"pattern", pattern, "error", subErr)
		return sub, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		unsub()
		return nil, ErrBusClosed
	}
	t.unsubFuncs[sub.ID] = unsub
	t.mu.Unlock()

	return sub, nil
}

// redeliver feeds a broker message back through the local transport. The
// component channel name determines the fanout channel; global channels
// fall back to the envelope's origin. Locally-originated envelopes loop
// back here and are dropped by the per-subscription dedupe.
func (t *RedisTransport) redeliver(channel string, payload []byte) {
	var e schema.Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		slog.Warn("[RedisTransport] Failed to unmarshal broker envelope", "channel", channel, "error", err)
		return
	}

	component := e.Source
	if idx := strings.Index(channel, ":event:"); idx > 0 && channel[:idx] != "global" {
		component = schema.Source(channel[:idx])
	}

	t.local.Deliver(context.Background(), component, &e)
}

// Unsubscribe detaches both the local subscription and its broker channel.
func (t *RedisTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	unsub, ok := t.unsubFuncs[id]
	if ok {
		delete(t.unsubFuncs, id)
	}
	t.mu.Unlock()

	if ok {
		unsub()
	}
	return t.local.Unsubscribe(id)
}

// Close detaches all broker channels, then closes the local transport.
func (t *RedisTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	unsubs := make([]func(), 0, len(t.unsubFuncs))
	for _, unsub := range t.unsubFuncs {
		unsubs = append(unsubs, unsub)
	}
	t.unsubFuncs = make(map[string]func())
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if err := t.local.Close(ctx); err != nil {
		return fmt.Errorf("close local transport: %w", err)
	}
	slog.Info("[RedisTransport] Closed")
	return nil
}

var _ Transport = (*RedisTransport)(nil)
