package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustvector/backend/internal/bus"
	"github.com/trustvector/backend/internal/ledger"
	"github.com/trustvector/backend/internal/orchestrator"
	"github.com/trustvector/backend/internal/resilience"
	"github.com/trustvector/backend/internal/schema"
)

type apiFixture struct {
	bus    *bus.Bus
	ledger *ledger.Ledger
	engine *orchestrator.Engine
	router http.Handler
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	b := bus.New(bus.Options{
		Metrics:        bus.NewMetrics(registry),
		PersistEnabled: true,
		TTL:            time.Hour,
		FlushInterval:  20 * time.Millisecond,
		ShutdownGrace:  time.Second,
	})
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	l := ledger.NewLedger(ledger.Options{Publisher: b})
	b.AttachLedger(l)

	cfg := resilience.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	dispatcher := resilience.NewDispatcher(cfg)

	engine := orchestrator.NewEngine(b, dispatcher)
	require.NoError(t, orchestrator.RegisterBuiltins(engine))
	for _, component := range []string{"intelligence", "monitoring", "vulnerability", "risk", "regulation", "clearance", "trust_engine", "value"} {
		engine.RegisterRunner(component, orchestrator.RunnerFunc(
			func(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"action": action, "done": true}, nil
			}))
	}

	return &apiFixture{
		bus:    b,
		ledger: l,
		engine: engine,
		router: NewRouter(Deps{
			Bus:        b,
			Ledger:     l,
			Engine:     engine,
			Dispatcher: dispatcher,
			Registry:   registry,
		}),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPublishEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"source": "regulation",
		"type":   "regulation.detected",
		"data": map[string]interface{}{
			"regulation_id": "GDPR-2026-014",
			"impact":        "high",
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, "accepted", body["status"])
}

func TestPublishRejectsSchemaViolations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"source": "regulation",
		"type":   "regulation.detected",
		"data":   map[string]interface{}{"impact": "high"}, // missing regulation_id
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("{not json"))
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)

	e := schema.NewEnvelope(schema.SourceMonitoring, schema.EventMonitoringAlert, map[string]interface{}{
		"alert_id": "a-1", "severity": "medium",
	})
	require.NoError(t, f.bus.Publish(context.Background(), e))
	f.bus.Flush(context.Background())

	rec := f.do(t, http.MethodGet, "/api/v1/events/history?type=monitoring.alert", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/events/history?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrustEndpoints(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ledger.Record(context.Background(), ledger.Transaction{
		EntityID: "acme", Points: 300, Category: "compliance", EvidenceEventID: "ev-1",
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/trust/acme/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(300), body["balance"])
	assert.Equal(t, "silver", body["tier"])

	rec = f.do(t, http.MethodGet, "/api/v1/trust/acme/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(1), body["total"])

	rec = f.do(t, http.MethodGet, "/api/v1/trust/acme/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.NotEmpty(t, body["entity_root"])
	assert.Equal(t, float64(1), body["leaves"])

	// Unknown entities still have a standing.
	rec = f.do(t, http.MethodGet, "/api/v1/trust/nobody/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "bronze", body["tier"])
}

func TestWorkflowEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/trust_score_generation/execute", map[string]interface{}{
		"entity_id": "acme",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := decode(t, rec)["workflow_id"].(string)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decode(t, rec)["status"] == orchestrator.WorkflowCompleted
	}, 2*time.Second, 20*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/not_a_workflow/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndBreakers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body, "breakers")
	assert.Contains(t, body, "cache")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.bus.Publish(context.Background(),
		schema.NewEnvelope(schema.SourceMonitoring, schema.EventMonitoringAlert, map[string]interface{}{
			"alert_id": "m-1", "severity": "low",
		})))

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fabric_events_published_total")
}
