package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustvector/backend/internal/bus"
	"github.com/trustvector/backend/internal/ledger"
	"github.com/trustvector/backend/internal/orchestrator"
	"github.com/trustvector/backend/internal/resilience"
)

// Deps carries the wired components the router exposes.
type Deps struct {
	Bus        *bus.Bus
	Ledger     *ledger.Ledger
	Engine     *orchestrator.Engine
	Dispatcher *resilience.Dispatcher
	Streamer   *EventStreamer
	Registry   *prometheus.Registry // nil = default registry
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, loggingMiddleware)

	r.HandleFunc("/health", HandleHealth(d.Bus, d.Dispatcher)).Methods(http.MethodGet)

	var metricsHandler http.Handler = promhttp.Handler()
	if d.Registry != nil {
		metricsHandler = promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/events", HandlePublish(d.Bus)).Methods(http.MethodPost)
	v1.HandleFunc("/events/history", HandleHistory(d.Bus)).Methods(http.MethodGet)
	v1.HandleFunc("/events/stats", HandleBusStats(d.Bus)).Methods(http.MethodGet)

	v1.HandleFunc("/trust/{entityId}/balance", HandleTrustBalance(d.Ledger)).Methods(http.MethodGet)
	v1.HandleFunc("/trust/{entityId}/transactions", HandleTrustTransactions(d.Ledger)).Methods(http.MethodGet)
	v1.HandleFunc("/trust/{entityId}/audit", HandleTrustAudit(d.Ledger)).Methods(http.MethodGet)

	v1.HandleFunc("/workflows", HandleWorkflowList(d.Engine)).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{type}/execute", HandleWorkflowExecute(d.Engine)).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{id}", HandleWorkflowStatus(d.Engine)).Methods(http.MethodGet)

	v1.HandleFunc("/breakers", HandleBreakers(d.Dispatcher)).Methods(http.MethodGet)

	if d.Streamer != nil {
		r.HandleFunc("/ws/events", d.Streamer.HandleStream)
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("[API] Request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
