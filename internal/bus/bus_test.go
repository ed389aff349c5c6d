package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustvector/backend/internal/schema"
)

// newTestBus builds a bus whose flush loop is effectively disabled so tests
// drive batching explicitly through Flush.
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(Options{
		Metrics:        NewMetrics(prometheus.NewRegistry()),
		PersistEnabled: true,
		TTL:            time.Hour,
		BatchSize:      50,
		FlushInterval:  time.Hour,
		MaxConcurrency: 4,
		ShutdownGrace:  time.Second,
	})
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func regulationEvent() *schema.Envelope {
	return schema.NewEnvelope(schema.SourceRegulation, schema.EventRegulationDetected, map[string]interface{}{
		"regulation_id": "GDPR-2026-014",
		"impact":        "high",
	})
}

func criticalVuln() *schema.Envelope {
	return schema.NewEnvelope(schema.SourceVulnerability, schema.EventVulnerabilityDiscovered, map[string]interface{}{
		"vulnerability_id": "CVE-2026-0042",
		"severity":         "critical",
		"cvss_score":       9.8,
	})
}

func TestBusRejectsInvalidEnvelope(t *testing.T) {
	b := newTestBus(t)

	bad := schema.NewEnvelope(schema.SourceRegulation, "not.a.type", map[string]interface{}{})
	err := b.Publish(context.Background(), bad)
	assert.ErrorIs(t, err, schema.ErrUnknownVariant)

	wrongSource := schema.NewEnvelope(schema.SourceRisk, schema.EventRegulationDetected, map[string]interface{}{
		"regulation_id": "X-1",
		"impact":        "low",
	})
	assert.ErrorIs(t, b.Publish(context.Background(), wrongSource), schema.ErrUnknownVariant)
}

func TestBusAssignsMissingFields(t *testing.T) {
	b := newTestBus(t)

	e := &schema.Envelope{
		Source: schema.SourceRegulation,
		Type:   schema.EventRegulationDetected,
		Data:   map[string]interface{}{"regulation_id": "R-1", "impact": "low"},
	}
	require.NoError(t, b.Publish(context.Background(), e))

	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestBusDuplicatePublishIsIdempotent(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("regulation:regulation.detected", rec.handler, nil)
	require.NoError(t, err)

	e := regulationEvent()
	require.NoError(t, b.Publish(context.Background(), e))
	require.NoError(t, b.Publish(context.Background(), e.Clone()))
	b.Flush(context.Background())

	assert.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBusBatchDeliversOriginAndRoutedChannels(t *testing.T) {
	b := newTestBus(t)

	origin := &recorder{}
	routed := &recorder{}
	_, err := b.Subscribe("regulation:regulation.detected", origin.handler, nil)
	require.NoError(t, err)
	// regulation.detected routes to vulnerability and risk.
	_, err = b.Subscribe("risk:regulation.detected", routed.handler, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), regulationEvent()))
	b.Flush(context.Background())

	assert.Eventually(t, func() bool {
		return origin.count() == 1 && routed.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBusCriticalEventSkipsBatch(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("vulnerability:vulnerability.discovered", rec.handler, nil)
	require.NoError(t, err)

	// No Flush: the fast path must dispatch on its own.
	require.NoError(t, b.Publish(context.Background(), criticalVuln()))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBusFlushSkipsFastPathedEvents(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("vulnerability:vulnerability.discovered", rec.handler, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), criticalVuln()))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)

	// The queued copy must not be processed a second time.
	b.Flush(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBusEmitsTrustPointsForProcessedEvents(t *testing.T) {
	b := newTestBus(t)

	points := &recorder{}
	_, err := b.Subscribe("trust_engine:trust.points.earned", points.handler, nil)
	require.NoError(t, err)

	evidence := regulationEvent()
	require.NoError(t, b.Publish(context.Background(), evidence))
	b.Flush(context.Background()) // processes regulation.detected, enqueues the award
	b.Flush(context.Background()) // processes trust.points.earned

	assert.Eventually(t, func() bool { return points.count() == 1 }, time.Second, 10*time.Millisecond)

	earned := points.events[0]
	assert.Equal(t, evidence.Source, earned.Source)
	assert.Equal(t, "system", earned.Data["entity_id"])
	assert.Equal(t, 25.0, earned.Data["points"])
	assert.Equal(t, "compliance", earned.Data["category"])
	assert.Equal(t, evidence.EventID, earned.Data["evidence_event_id"])
}

func TestBusEmitsEmergencyDecisionForCriticalFastPath(t *testing.T) {
	b := newTestBus(t)

	emergencies := &recorder{}
	_, err := b.Subscribe("clearance:emergency.decision.required", emergencies.handler, nil)
	require.NoError(t, err)

	evidence := criticalVuln()
	require.NoError(t, b.Publish(context.Background(), evidence))
	b.Flush(context.Background())

	assert.Eventually(t, func() bool { return emergencies.count() == 1 }, time.Second, 10*time.Millisecond)

	decision := emergencies.events[0]
	assert.Equal(t, "immediate", decision.Data["urgency"])
	assert.Equal(t, 30, decision.Data["sla_minutes"])
	assert.Equal(t, "executive", decision.Data["approval_level"])
	assert.Equal(t, evidence.EventID, decision.Data["evidence_event_id"])
}

func TestBusNoEmergencyForNonCritical(t *testing.T) {
	b := newTestBus(t)

	emergencies := &recorder{}
	_, err := b.Subscribe("clearance:emergency.decision.required", emergencies.handler, nil)
	require.NoError(t, err)

	vuln := criticalVuln()
	vuln.Data["severity"] = "high"
	require.NoError(t, b.Publish(context.Background(), vuln))
	b.Flush(context.Background())
	b.Flush(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, emergencies.count())
}

type fakeAwarder struct {
	mu     sync.Mutex
	events []*schema.Envelope
}

func (f *fakeAwarder) Award(ctx context.Context, e *schema.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestBusForwardsTrustPointsToLedger(t *testing.T) {
	b := newTestBus(t)
	awarder := &fakeAwarder{}
	b.AttachLedger(awarder)

	require.NoError(t, b.Publish(context.Background(), regulationEvent()))
	b.Flush(context.Background())
	b.Flush(context.Background())

	assert.Eventually(t, func() bool { return awarder.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBusHistoryReplaysPersistedEvents(t *testing.T) {
	b := newTestBus(t)

	e := regulationEvent()
	require.NoError(t, b.Publish(context.Background(), e))
	b.Flush(context.Background())

	events, err := b.History(context.Background(), Filter{Type: schema.EventRegulationDetected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.EventID, events[0].EventID)
}

func TestBusFIFOWithinSourceTypePair(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("monitoring:monitoring.alert", rec.handler, nil)
	require.NoError(t, err)

	want := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		e := schema.NewEnvelope(schema.SourceMonitoring, schema.EventMonitoringAlert, map[string]interface{}{
			"alert_id": "seq", "severity": "low",
		})
		want = append(want, e.EventID)
		require.NoError(t, b.Publish(context.Background(), e))
	}
	b.Flush(context.Background())

	assert.Eventually(t, func() bool { return rec.count() == 30 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.ids())
}

func TestBusShutdownDrainsQueue(t *testing.T) {
	b := New(Options{
		Metrics:        NewMetrics(prometheus.NewRegistry()),
		PersistEnabled: true,
		TTL:            time.Hour,
		FlushInterval:  time.Hour,
		ShutdownGrace:  time.Second,
	})

	rec := &recorder{}
	_, err := b.Subscribe("regulation:regulation.detected", rec.handler, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), regulationEvent()))
	require.NoError(t, b.Shutdown(context.Background()))

	assert.Equal(t, 1, rec.count())
	assert.ErrorIs(t, b.Publish(context.Background(), regulationEvent()), ErrBusClosed)
	assert.NoError(t, b.Shutdown(context.Background()))
}

func TestBusStatsCountsTraffic(t *testing.T) {
	b := newTestBus(t)

	rec := &recorder{}
	_, err := b.Subscribe("regulation:*", rec.handler, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), regulationEvent()))
	b.Flush(context.Background())

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		stats := b.Stats()
		return stats.Published >= 1 && stats.Handled >= 1
	}, time.Second, 10*time.Millisecond)
}
