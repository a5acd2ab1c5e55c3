package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlmon/backend/internal/core"
)

func testConfig() Config {
	return Config{
		Name:             "src-test",
		FailureThreshold: 3,
		OpenTimeout:      50 * time.Millisecond,
		HalfOpenProbes:   2,
	}
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(ctx, ok)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeCircuitOpen))
	assert.True(t, core.IsTransient(err))
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))
	require.NoError(t, b.Do(ctx, ok))
	require.Error(t, b.Do(ctx, fail))
	require.Error(t, b.Do(ctx, fail))

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, fail))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, ok))
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

// Completed probes must not consume the half-open admission budget; only
// in-flight ones do. A past regression counted each probe twice and wedged
// the breaker in HALF_OPEN after its first success.
func TestBreaker_HalfOpenAdmitsProbesAfterCompletions(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenProbes = 3
	b := New(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, fail))
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, ok))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, ok))
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenCapsInFlightProbes(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, fail))
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Do(ctx, func(context.Context) error {
				entered <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-entered
	<-entered

	// Both probe slots are occupied; a third caller is turned away.
	err := b.Do(ctx, ok)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeCircuitOpen))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, fail))
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Do(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry_OneBreakerPerSource(t *testing.T) {
	r := NewRegistry(testConfig())

	a := r.Get("SRC_A")
	b := r.Get("SRC_B")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("SRC_A"))

	states := r.States()
	assert.Equal(t, "CLOSED", states["SRC_A"])
	assert.Equal(t, "CLOSED", states["SRC_B"])

	r.Remove("SRC_A")
	assert.NotSame(t, a, r.Get("SRC_A"))
}
