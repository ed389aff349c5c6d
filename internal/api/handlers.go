// Package api exposes the fabric over HTTP: event publish and replay, trust
// balances, workflow execution, and operational introspection, plus a
// WebSocket event stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/trustvector/backend/internal/bus"
	"github.com/trustvector/backend/internal/ledger"
	"github.com/trustvector/backend/internal/orchestrator"
	"github.com/trustvector/backend/internal/resilience"
	"github.com/trustvector/backend/internal/schema"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports overall fabric health: degraded when any circuit
// breaker is open.
func HandleHealth(b *bus.Bus, dispatcher *resilience.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, breakers := dispatcher.Breakers().HealthStatus()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   status,
			"breakers": breakers,
			"bus":      b.Stats(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// HandlePublish accepts an envelope and puts it on the fabric. Missing
// event_id and timestamp are assigned; schema violations return 422.
func HandlePublish(b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e schema.Envelope
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		if err := b.Publish(r.Context(), &e); err != nil {
			switch {
			case errors.Is(err, bus.ErrBusClosed):
				writeError(w, http.StatusServiceUnavailable, err.Error())
			default:
				writeError(w, http.StatusUnprocessableEntity, err.Error())
			}
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"event_id": e.EventID,
			"status":   "accepted",
		})
	}
}

// HandleHistory replays persisted events, filtered by source, type, and
// time range.
func HandleHistory(b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := bus.Filter{
			Source: schema.Source(q.Get("source")),
			Type:   schema.EventType(q.Get("type")),
		}
		if raw := q.Get("from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from timestamp")
				return
			}
			f.From = t
		}
		if raw := q.Get("to"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid to timestamp")
				return
			}
			f.To = t
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			f.Limit = n
		}

		events, err := b.History(r.Context(), f)
		if err != nil {
			slog.Warn("History query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "history query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": events,
			"count":  len(events),
		})
	}
}

// HandleBusStats reports throughput counters and handler latency.
func HandleBusStats(b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Stats())
	}
}

// HandleTrustBalance returns an entity's trust standing. Unknown entities
// report bronze at zero rather than 404 — every entity has a standing.
func HandleTrustBalance(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := mux.Vars(r)["entityId"]
		writeJSON(w, http.StatusOK, l.GetBalance(entityID))
	}
}

// HandleTrustTransactions returns the entity's append-only award history.
func HandleTrustTransactions(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := mux.Vars(r)["entityId"]
		txs := l.Transactions(entityID)
		if txs == nil {
			txs = []ledger.Transaction{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entity_id":    entityID,
			"transactions": txs,
			"total":        len(txs),
		})
	}
}

// HandleTrustAudit reports the ledger's tamper-evidence roots for an entity.
func HandleTrustAudit(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := mux.Vars(r)["entityId"]
		audit := l.Audit()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entity_id":   entityID,
			"entity_root": audit.EntityRoot(entityID),
			"global_root": audit.Root(),
			"leaves":      audit.Size(),
		})
	}
}

// HandleWorkflowExecute starts a workflow asynchronously and returns its
// instance id.
func HandleWorkflowExecute(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowType := mux.Vars(r)["type"]

		var wfContext map[string]interface{}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&wfContext); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}

		id, err := engine.Start(r.Context(), workflowType, wfContext)
		if err != nil {
			if errors.Is(err, orchestrator.ErrUnknownWorkflow) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"workflow_id": id,
			"type":        workflowType,
			"status":      orchestrator.WorkflowRunning,
		})
	}
}

// HandleWorkflowStatus returns one workflow instance.
func HandleWorkflowStatus(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		in, err := engine.Status(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

// HandleWorkflowList returns every tracked workflow instance.
func HandleWorkflowList(engine *orchestrator.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances := engine.List()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workflows": instances,
			"total":     len(instances),
		})
	}
}

// HandleBreakers reports every circuit breaker's state and counts.
func HandleBreakers(dispatcher *resilience.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"breakers": dispatcher.Breakers().Stats(),
			"cache":    dispatcher.CacheStats(),
		})
	}
}
