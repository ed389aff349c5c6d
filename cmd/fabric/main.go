package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/trustvector/backend/internal/api"
	"github.com/trustvector/backend/internal/bus"
	"github.com/trustvector/backend/internal/circuitbreaker"
	"github.com/trustvector/backend/internal/config"
	"github.com/trustvector/backend/internal/infra"
	"github.com/trustvector/backend/internal/ledger"
	"github.com/trustvector/backend/internal/orchestrator"
	"github.com/trustvector/backend/internal/resilience"
	"github.com/trustvector/backend/internal/schema"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults + env when empty)")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Fabric] Config load failed", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Server.Env)
	slog.Info("[Fabric] Starting orchestration fabric",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"persistence", cfg.Persistence.Backend,
		"transport", cfg.Transport.Backend,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	// Redis is only dialed when a backend asks for it. A failed connection
	// falls back to in-memory so a missing Redis never blocks local runs.
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Persistence.Backend == "redis" || cfg.Transport.Backend == "redis" {
		redisAdapter, err = infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("[Fabric] Redis unavailable, falling back to in-memory backends",
				"addr", cfg.Redis.Addr, "error", err)
			redisAdapter = nil
		}
	}

	opts := bus.Options{
		Metrics:        bus.NewMetrics(registry),
		PersistEnabled: cfg.Persistence.Enabled,
		TTL:            time.Duration(cfg.Persistence.TTLSeconds) * time.Second,
		BatchSize:      cfg.Batch.Size,
		FlushInterval:  time.Duration(cfg.Batch.FlushIntervalMs) * time.Millisecond,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		ShutdownGrace:  time.Duration(cfg.Dispatch.ShutdownGraceMs) * time.Millisecond,
	}

	handlerTimeout := time.Duration(cfg.Dispatch.HandlerTimeoutMs) * time.Millisecond
	local := bus.NewLocalTransport(handlerTimeout)
	opts.Transport = local
	if cfg.Transport.Backend == "redis" && redisAdapter != nil {
		opts.Transport = bus.NewRedisTransport(local, redisAdapter)
	}
	if cfg.Persistence.Backend == "redis" && redisAdapter != nil {
		opts.Store = bus.NewRedisEventStore(redisAdapter, "fabric", cfg.Persistence.MaxEvents)
	} else {
		opts.Store = bus.NewMemoryEventStore(cfg.Persistence.MaxEvents)
	}

	fabricBus := bus.New(opts)

	ledgerOpts := ledger.Options{
		WindowMonths: cfg.Trust.WindowMonths,
		ScoreCap:     float64(cfg.Trust.ScoreCap),
		Thresholds: ledger.TierThresholds{
			Silver:   float64(cfg.Trust.TierThresholds[1]),
			Gold:     float64(cfg.Trust.TierThresholds[2]),
			Platinum: float64(cfg.Trust.TierThresholds[3]),
		},
		Publisher: fabricBus,
	}
	if cfg.Persistence.Enabled {
		// Awards must cite evidence the store has actually held.
		ledgerOpts.Evidence = fabricBus.Store()
	}
	trustLedger := ledger.NewLedger(ledgerOpts)
	fabricBus.AttachLedger(trustLedger)

	dispatchCfg := resilience.DefaultConfig()
	dispatchCfg.MaxAttempts = cfg.Resilience.MaxRetryAttempts
	dispatchCfg.RetryDelay = time.Duration(cfg.Resilience.RetryDelayMs) * time.Millisecond
	dispatchCfg.Timeout = time.Duration(cfg.Resilience.TimeoutMs) * time.Millisecond
	dispatchCfg.CacheEnabled = cfg.Cache.Enabled
	dispatchCfg.CacheSize = cfg.Cache.Size
	dispatchCfg.CacheTTL = time.Duration(cfg.Cache.TTLMs) * time.Millisecond
	breakerCfg := circuitbreaker.DefaultConfig("dispatch")
	breakerCfg.Timeout = time.Duration(cfg.Resilience.CircuitBreakerOpenTimeoutMs) * time.Millisecond
	threshold := uint32(cfg.Resilience.CircuitBreakerThreshold)
	breakerCfg.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	dispatchCfg.Breaker = breakerCfg
	dispatcher := resilience.NewDispatcher(dispatchCfg)

	engine := orchestrator.NewEngine(fabricBus, dispatcher)
	if err := orchestrator.RegisterBuiltins(engine); err != nil {
		slog.Error("[Fabric] Workflow registration failed", "error", err)
		os.Exit(1)
	}
	registerLoopbackRunners(engine)

	// Fabric-satisfied steps: components without an in-process runner answer
	// step requests with their own workflow.step.completed envelopes.
	if _, err := fabricBus.Subscribe("*", engine.HandleStepCompletion, func(e *schema.Envelope) bool {
		return e.Type == schema.EventWorkflowStepCompleted
	}); err != nil {
		slog.Error("[Fabric] Step completion subscription failed", "error", err)
		os.Exit(1)
	}

	// Optional durable export of every processed envelope.
	var bridge *infra.PubSubBridge
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		topic := cfg.PubSub.Topic
		if topic == "" {
			topic = "fabric-events"
		}
		bridge, err = infra.NewPubSubBridge(cfg.PubSub.ProjectID, topic)
		if err != nil {
			slog.Warn("[Fabric] Pub/Sub export disabled", "error", err)
		} else if _, err := fabricBus.Subscribe("*", bridge.Handler(), nil); err != nil {
			slog.Warn("[Fabric] Pub/Sub export subscription failed", "error", err)
		}
	}

	streamer, err := api.NewEventStreamer(fabricBus)
	if err != nil {
		slog.Error("[Fabric] Event streamer setup failed", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.Deps{
		Bus:        fabricBus,
		Ledger:     trustLedger,
		Engine:     engine,
		Dispatcher: dispatcher,
		Streamer:   streamer,
		Registry:   registry,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("[Fabric] HTTP listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[Fabric] Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("[Fabric] Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Fabric] HTTP shutdown error", "error", err)
	}

	streamer.Close()
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			slog.Warn("[Fabric] Pub/Sub close error", "error", err)
		}
	}
	if err := fabricBus.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Fabric] Bus shutdown error", "error", err)
	}

	slog.Info("[Fabric] Stopped")
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// registerLoopbackRunners wires every known platform component to a runner
// that acknowledges the requested action. Real component bindings replace
// these per deployment; workflows stay executable without them.
func registerLoopbackRunners(e *orchestrator.Engine) {
	components := []string{
		"regulation", "compliance", "policy", "vulnerability", "risk",
		"clearance", "monitoring", "intelligence", "trust_engine", "value",
	}
	for _, component := range components {
		component := component
		e.RegisterRunner(component, orchestrator.RunnerFunc(
			func(ctx context.Context, action string, input map[string]interface{}) (map[string]interface{}, error) {
				slog.Debug("[Runner] Action acknowledged", "component", component, "action", action)
				out := map[string]interface{}{
					"component":    component,
					"action":       action,
					"acknowledged": true,
				}
				if action == "issue_shareable_url" {
					hours, _ := input["valid_for_hours"].(float64)
					if hours <= 0 {
						hours = 168
					}
					out["url"] = "https://trust.local/share/" + uuid.New().String()
					out["expires_at"] = time.Now().UTC().Add(time.Duration(hours) * time.Hour).Format(time.RFC3339)
				}
				return out, nil
			}))
	}
}
