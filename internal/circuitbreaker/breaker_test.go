package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTarget = errors.New("target unavailable")

func failing(ctx context.Context) (interface{}, error) { return nil, errTarget }
func succeeding(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func testConfig(timeout time.Duration) *Config {
	cfg := DefaultConfig("vulnerability:scan")
	cfg.Timeout = timeout
	cfg.OnStateChange = nil
	return cfg
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := New(testConfig(30 * time.Second))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cb.Execute(ctx, failing)
		assert.ErrorIs(t, err, errTarget)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Fifth consecutive failure trips the breaker.
	_, err := cb.Execute(ctx, failing)
	assert.ErrorIs(t, err, errTarget)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig(30 * time.Second))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	_, err := cb.Execute(ctx, succeeding)
	require.NoError(t, err)

	// Four more failures still do not reach the threshold of five.
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	cb := New(testConfig(20 * time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := New(testConfig(20 * time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(ctx, failing)
	assert.ErrorIs(t, err, errTarget)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cfg := testConfig(20 * time.Millisecond)
	cb := New(cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(ctx, failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// A single probe slot: a second concurrent request is rejected.
	release := make(chan struct{})
	probeDone := make(chan struct{})
	go func() {
		_, _ = cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			<-release
			return "ok", nil
		})
		close(probeDone)
	}()

	assert.Eventually(t, func() bool {
		return cb.Counts().Requests >= 1
	}, time.Second, 5*time.Millisecond)

	_, err := cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	<-probeDone
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb := New(testConfig(30 * time.Second))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Panics(t, func() {
			_, _ = cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				panic("handler exploded")
			})
		})
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerKeysBreakersIndependently(t *testing.T) {
	m := NewManager(testConfig(30 * time.Second))
	ctx := context.Background()

	scan := m.Get(Key("vulnerability", "scan"))
	quantify := m.Get(Key("risk", "quantify"))
	require.NotSame(t, scan, quantify)

	for i := 0; i < 5; i++ {
		_, _ = scan.Execute(ctx, failing)
	}
	assert.Equal(t, StateOpen, scan.State())
	assert.Equal(t, StateClosed, quantify.State())

	// Same key returns the same breaker.
	assert.Same(t, scan, m.Get("vulnerability:scan"))
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(testConfig(30 * time.Second))
	ctx := context.Background()

	m.Get("risk:quantify")
	status, detail := m.HealthStatus()
	assert.Equal(t, "healthy", status)
	assert.Equal(t, "closed", detail["risk:quantify"])

	scan := m.Get("vulnerability:scan")
	for i := 0; i < 5; i++ {
		_, _ = scan.Execute(ctx, failing)
	}

	status, detail = m.HealthStatus()
	assert.Equal(t, "degraded", status)
	assert.Equal(t, "open", detail["vulnerability:scan"])
}

func TestManagerStats(t *testing.T) {
	m := NewManager(testConfig(30 * time.Second))
	ctx := context.Background()

	cb := m.Get("policy:update")
	_, _ = cb.Execute(ctx, succeeding)
	_, _ = cb.Execute(ctx, failing)

	stats := m.Stats()
	require.Contains(t, stats, "policy:update")
	assert.Equal(t, uint32(2), stats["policy:update"].Counts.Requests)
	assert.Equal(t, uint32(1), stats["policy:update"].Counts.TotalFailures)
	assert.Equal(t, "closed", stats["policy:update"].State)
}
