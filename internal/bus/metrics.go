package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyWindowSize is the number of recent handler latencies retained for
// the Stats snapshot.
const latencyWindowSize = 1000

// Metrics holds the Prometheus metrics for the event bus plus an in-memory
// sliding window of handler latencies.
type Metrics struct {
	Published  *prometheus.CounterVec // labels: source, type
	Handled    *prometheus.CounterVec // labels: pattern, result
	Errors     *prometheus.CounterVec // label: kind
	QueueDepth prometheus.Gauge
	BatchSize  prometheus.Histogram
	Latency    prometheus.Histogram

	mu        sync.Mutex
	window    []time.Duration
	next      int
	filled    bool
	published int64
	handled   int64
	failed    int64
}

// NewMetrics creates and registers the bus metrics on the given registerer.
// Tests pass a fresh prometheus.NewRegistry(); cmd wiring passes the default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_events_published_total",
				Help: "Total envelopes accepted by publish",
			},
			[]string{"source", "type"},
		),
		Handled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_events_handled_total",
				Help: "Handler invocations by subscription pattern and result",
			},
			[]string{"pattern", "result"}, // result: ok, error
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_errors_total",
				Help: "Errors by taxonomy kind",
			},
			[]string{"kind"}, // schema, duplicate, storage, subscriber, circuit_open, transient, step_timeout, step_execution
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabric_queue_depth",
				Help: "Envelopes waiting for the next batch flush",
			},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fabric_batch_size",
				Help:    "Envelopes drained per flush",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		),
		Latency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fabric_handler_latency_seconds",
				Help:    "Wall time between envelope timestamp and handler completion",
				Buckets: prometheus.DefBuckets,
			},
		),
		window: make([]time.Duration, latencyWindowSize),
	}
}

// RecordPublished counts an accepted envelope.
func (m *Metrics) RecordPublished(source, eventType string) {
	m.Published.WithLabelValues(source, eventType).Inc()
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
}

// RecordError counts an error by taxonomy kind.
func (m *Metrics) RecordError(kind string) {
	m.Errors.WithLabelValues(kind).Inc()
}

// RecordHandled counts a handler invocation and records its latency in the
// sliding window.
func (m *Metrics) RecordHandled(pattern string, err error, latency time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Handled.WithLabelValues(pattern, result).Inc()
	if latency > 0 {
		m.Latency.Observe(latency.Seconds())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled++
	if err != nil {
		m.failed++
	}
	if latency > 0 {
		m.window[m.next] = latency
		m.next = (m.next + 1) % len(m.window)
		if m.next == 0 {
			m.filled = true
		}
	}
}

// Stats is a point-in-time snapshot of bus throughput.
type Stats struct {
	Published      int64   `json:"published"`
	Handled        int64   `json:"handled"`
	HandlerErrors  int64   `json:"handler_errors"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MaxLatencyMs   float64 `json:"max_latency_ms"`
	LatencySamples int     `json:"latency_samples"`
}

// Snapshot summarizes the sliding latency window and counters.
func (m *Metrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.window)
	}

	var sum, max time.Duration
	for i := 0; i < n; i++ {
		d := m.window[i]
		sum += d
		if d > max {
			max = d
		}
	}

	stats := Stats{
		Published:      m.published,
		Handled:        m.handled,
		HandlerErrors:  m.failed,
		MaxLatencyMs:   float64(max) / float64(time.Millisecond),
		LatencySamples: n,
	}
	if n > 0 {
		stats.AvgLatencyMs = float64(sum) / float64(n) / float64(time.Millisecond)
	}
	return stats
}
