package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/trustvector/backend/internal/resilience"
	"github.com/trustvector/backend/internal/schema"
)

// PubSubBridge mirrors every envelope the fabric processes to a Google
// Cloud Pub/Sub topic for durable export to downstream consumers
// (warehousing, external SIEMs). Exports are batch-tolerant: envelopes
// coalesce per batch window and go out as one publish burst, with each
// submitter's outcome matched back by correlation id. The fabric itself
// never consumes from the topic; in-process delivery stays on the bus
// transport.
type PubSubBridge struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	batcher *resilience.Batcher
}

// NewPubSubBridge connects to the project and creates the topic when it
// does not exist yet.
func NewPubSubBridge(projectID, topicID string) (*PubSubBridge, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Ordering key = source component, so per-component order survives
	// export.
	topic.EnableMessageOrdering = true

	b := &PubSubBridge{client: client, topic: topic}
	b.batcher = resilience.NewBatcher(b.flushBatch, 50, 2*time.Second)

	slog.Info("Pub/Sub export bridge connected",
		"topic", fmt.Sprintf("projects/%s/topics/%s", projectID, topicID))
	return b, nil
}

// Export queues one envelope for the next batch flush. The publish outcome
// is checked off the hot path.
func (b *PubSubBridge) Export(ctx context.Context, e *schema.Envelope) error {
	_, result, err := b.batcher.Submit(resilience.Request{
		Target: "pubsub",
		Action: "export",
		Params: map[string]interface{}{"envelope": e},
	})
	if err != nil {
		return fmt.Errorf("queue export: %w", err)
	}

	go func() {
		if r := <-result; r.Err != nil {
			slog.Warn("Pub/Sub export failed", "event", e.String(), "error", r.Err)
		}
	}()
	return nil
}

// flushBatch publishes one coalesced group. All messages go out before any
// result is awaited, so the burst shares broker round-trips.
func (b *PubSubBridge) flushBatch(ctx context.Context, target, action string, items []resilience.BatchItem) []resilience.BatchResult {
	out := make([]resilience.BatchResult, 0, len(items))

	type pending struct {
		id     string
		result *pubsub.PublishResult
	}
	inflight := make([]pending, 0, len(items))

	for _, item := range items {
		e, _ := item.Request.Params["envelope"].(*schema.Envelope)
		if e == nil {
			out = append(out, resilience.BatchResult{
				CorrelationID: item.CorrelationID,
				Err:           fmt.Errorf("batch item missing envelope"),
			})
			continue
		}
		payload, err := e.JSON()
		if err != nil {
			out = append(out, resilience.BatchResult{
				CorrelationID: item.CorrelationID,
				Err:           fmt.Errorf("marshal envelope: %w", err),
			})
			continue
		}

		msg := &pubsub.Message{
			Data: payload,
			Attributes: map[string]string{
				"event_id":  e.EventID,
				"source":    string(e.Source),
				"type":      string(e.Type),
				"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			},
			OrderingKey: string(e.Source),
		}
		inflight = append(inflight, pending{item.CorrelationID, b.topic.Publish(ctx, msg)})
	}

	for _, p := range inflight {
		serverID, err := p.result.Get(ctx)
		out = append(out, resilience.BatchResult{CorrelationID: p.id, Value: serverID, Err: err})
	}
	return out
}

// Handler adapts Export to the bus's subscription handler signature; wire it
// with a "*" pattern.
func (b *PubSubBridge) Handler() func(ctx context.Context, e *schema.Envelope) error {
	return func(ctx context.Context, e *schema.Envelope) error {
		return b.Export(ctx, e)
	}
}

// HealthCheck verifies the topic is reachable.
func (b *PubSubBridge) HealthCheck(ctx context.Context) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// TopicPath returns the fully-qualified topic path.
func (b *PubSubBridge) TopicPath() string {
	return b.topic.String()
}

// Close flushes pending exports and shuts the client down.
func (b *PubSubBridge) Close() error {
	b.batcher.Close()
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
