package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustvector/backend/internal/circuitbreaker"
)

// Request identifies one cross-component call.
type Request struct {
	Target string                 // component being called
	Action string                 // operation on the component
	Params map[string]interface{} // call arguments
}

func (r Request) String() string {
	return r.Target + ":" + r.Action
}

// CallFunc performs the underlying component call.
type CallFunc func(ctx context.Context, req Request) (interface{}, error)

// Config holds the dispatcher's resilience parameters.
type Config struct {
	MaxAttempts int           // total attempts including the first
	RetryDelay  time.Duration // base backoff, doubled per retry
	Timeout     time.Duration // per-attempt deadline

	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration

	Breaker *circuitbreaker.Config // template for per-target breakers
}

// DefaultConfig retries three times with 1s base backoff, 30s per-attempt
// timeout, and a 1000-entry 5-minute cache.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryDelay:   time.Second,
		Timeout:      30 * time.Second,
		CacheEnabled: true,
		CacheSize:    1000,
		CacheTTL:     5 * time.Minute,
	}
}

// Dispatcher is the resilient call path between components: every call runs
// under a per-(target, action) circuit breaker with a per-attempt timeout;
// transient failures retry with exponential backoff; CallCached adds an LRU
// result cache for idempotent reads.
type Dispatcher struct {
	cfg      Config
	breakers *circuitbreaker.Manager
	cache    *Cache
}

// NewDispatcher builds a dispatcher from cfg.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		breakers: circuitbreaker.NewManager(cfg.Breaker),
	}
	if cfg.CacheEnabled {
		d.cache = NewCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return d
}

// Call executes fn under the target's circuit breaker, retrying transient
// failures up to MaxAttempts with exponential backoff. An open breaker fails
// fast without consuming retry attempts.
func (d *Dispatcher) Call(ctx context.Context, req Request, fn CallFunc) (interface{}, error) {
	cb := d.breakers.Get(circuitbreaker.Key(req.Target, req.Action))

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return d.attempt(ctx, req, fn)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, err
		}
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		delay := d.cfg.RetryDelay * (1 << (attempt - 1))
		slog.Debug("[Dispatcher] Retrying transient failure",
			"call", req.String(), "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", req.String(), d.cfg.MaxAttempts, lastErr)
}

// attempt runs one invocation under the per-attempt deadline. The callee is
// abandoned on timeout; its side effects may still occur.
func (d *Dispatcher) attempt(ctx context.Context, req Request, fn CallFunc) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("call panic: %v", r)}
			}
		}()
		v, err := fn(attemptCtx, req)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, req.String())
		}
		return nil, attemptCtx.Err()
	}
}

// CallCached is Call with an LRU result cache keyed by the request
// fingerprint. Only successful results are cached; use it for idempotent
// reads.
func (d *Dispatcher) CallCached(ctx context.Context, req Request, fn CallFunc) (interface{}, error) {
	if d.cache == nil {
		return d.Call(ctx, req, fn)
	}

	key := Fingerprint(req)
	if value, ok := d.cache.Get(key); ok {
		return value, nil
	}

	value, err := d.Call(ctx, req, fn)
	if err != nil {
		return nil, err
	}
	d.cache.Put(key, value)
	return value, nil
}

// Breakers exposes the breaker manager for health and stats endpoints.
func (d *Dispatcher) Breakers() *circuitbreaker.Manager {
	return d.breakers
}

// CacheStats reports cache counters; zero-valued when caching is disabled.
func (d *Dispatcher) CacheStats() CacheStats {
	if d.cache == nil {
		return CacheStats{}
	}
	return d.cache.Stats()
}
