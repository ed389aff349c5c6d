package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustvector/backend/internal/circuitbreaker"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.Timeout = 100 * time.Millisecond
	return cfg
}

func scanRequest() Request {
	return Request{
		Target: "vulnerability",
		Action: "scan",
		Params: map[string]interface{}{"asset": "api-gateway"},
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	d := NewDispatcher(fastConfig())

	var calls int32
	result, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, Transient(errors.New("connection reset"))
		}
		return "scan-complete", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "scan-complete", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcherDoesNotRetryPermanentFailures(t *testing.T) {
	d := NewDispatcher(fastConfig())

	permanent := errors.New("asset not found")
	var calls int32
	_, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	d := NewDispatcher(cfg)

	var calls int32
	_, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, Transient(errors.New("still overloaded"))
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcherTimeoutIsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	d := NewDispatcher(cfg)

	var calls int32
	_, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.ErrorIs(t, err, ErrTimeout)
	// Timed-out attempts are retried.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherBreakerFailsFast(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	d := NewDispatcher(cfg)

	boom := Transient(errors.New("down"))
	for i := 0; i < 5; i++ {
		_, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
			return nil, boom
		})
		require.Error(t, err)
	}

	// Breaker for vulnerability:scan is now open; calls fail without
	// touching the callee.
	var calls int32
	_, err := d.Call(context.Background(), scanRequest(), func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	// A different action on the same target is unaffected.
	other := Request{Target: "vulnerability", Action: "list", Params: nil}
	result, err := d.Call(context.Background(), other, func(ctx context.Context, req Request) (interface{}, error) {
		return "listed", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "listed", result)
}

func TestDispatcherCallCached(t *testing.T) {
	d := NewDispatcher(fastConfig())

	var calls int32
	fn := func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "posture-report", nil
	}

	first, err := d.CallCached(context.Background(), scanRequest(), fn)
	require.NoError(t, err)
	second, err := d.CallCached(context.Background(), scanRequest(), fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := d.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	// Different params miss the cache.
	varied := scanRequest()
	varied.Params = map[string]interface{}{"asset": "billing-db"}
	_, err = d.CallCached(context.Background(), varied, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherCacheSkipsFailures(t *testing.T) {
	d := NewDispatcher(fastConfig())

	permanent := errors.New("denied")
	var calls int32
	fn := func(ctx context.Context, req Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, permanent
	}

	_, err := d.CallCached(context.Background(), scanRequest(), fn)
	assert.ErrorIs(t, err, permanent)
	_, err = d.CallCached(context.Background(), scanRequest(), fn)
	assert.ErrorIs(t, err, permanent)

	// Failures are never cached.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
