package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
)

func TestEdgeLimiter_BurstThenThrottleWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter := NewEdgeLimiter(metastore.NewMemoryStore(), 60, 5)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(ctx, "1.2.3.4"))
	}
	err := limiter.Allow(ctx, "1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
	assert.GreaterOrEqual(t, types.RetryAfterOf(err), time.Second)

	// Identities have independent buckets.
	require.NoError(t, limiter.Allow(ctx, "5.6.7.8"))
}

// erroringStore fails TakeTokens, modelling an unreachable metastore.
type erroringStore struct {
	*metastore.MemoryStore
}

func (s *erroringStore) TakeTokens(ctx context.Context, bucket string, n, ratePerMin, burst int) (bool, time.Duration, error) {
	return false, 0, errors.New("connection refused")
}

func TestEdgeLimiter_DegradesOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	limiter := NewEdgeLimiter(&erroringStore{metastore.NewMemoryStore()}, 60, 3)

	// The in-process fallback still admits the burst, then throttles.
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "1.2.3.4"))
	}
	err := limiter.Allow(ctx, "1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
}

func TestGate_SemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(2, time.Nanosecond)

	releaseA, err := gate.Acquire(ctx)
	require.NoError(t, err)
	releaseB, err := gate.Acquire(ctx)
	require.NoError(t, err)

	// The third acquire blocks until a slot frees; model that with a short
	// deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = gate.Acquire(shortCtx)
	require.Error(t, err)

	releaseA(nil)
	releaseC, err := gate.Acquire(ctx)
	require.NoError(t, err)
	releaseC(nil)
	releaseB(nil)
}

func quotaErr() error {
	return types.WrapErr(types.UpstreamTransient, upstream.ErrQuota, "building mosaic")
}

func TestGate_BreakerOpensOnSustainedQuotaFailures(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(25, time.Nanosecond)

	// Nine consecutive quota failures keep the breaker closed.
	for i := 0; i < breakerThreshold-1; i++ {
		release, err := gate.Acquire(ctx)
		require.NoError(t, err)
		release(quotaErr())
	}
	release, err := gate.Acquire(ctx)
	require.NoError(t, err)

	// The tenth opens it.
	release(quotaErr())
	_, err = gate.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
}

func TestGate_BreakerHalfOpenProbeAndRecovery(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(25, time.Nanosecond)
	for i := 0; i < breakerThreshold; i++ {
		release, err := gate.Acquire(ctx)
		require.NoError(t, err)
		release(quotaErr())
	}
	_, err := gate.Acquire(ctx)
	require.Error(t, err)

	// After the cooldown a single probe is admitted; a second concurrent
	// caller is still rejected.
	ctx.SetTime(now.Now(ctx).Add(breakerInitialCooldown + time.Millisecond))
	probeRelease, err := gate.Acquire(ctx)
	require.NoError(t, err)
	_, err = gate.Acquire(ctx)
	require.Error(t, err)

	// Probe succeeds: breaker closes and traffic flows again.
	probeRelease(nil)
	release, err := gate.Acquire(ctx)
	require.NoError(t, err)
	release(nil)
}

func TestGate_FailedProbeDoublesCooldown(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(25, time.Nanosecond)
	for i := 0; i < breakerThreshold; i++ {
		release, err := gate.Acquire(ctx)
		require.NoError(t, err)
		release(quotaErr())
	}

	// First probe fails: cooldown doubles to 2s.
	ctx.SetTime(now.Now(ctx).Add(breakerInitialCooldown + time.Millisecond))
	probeRelease, err := gate.Acquire(ctx)
	require.NoError(t, err)
	probeRelease(quotaErr())

	// 1s later the breaker is still open; only after the doubled cooldown
	// does the next probe run.
	ctx.SetTime(now.Now(ctx).Add(time.Second))
	_, err = gate.Acquire(ctx)
	require.Error(t, err)
	ctx.SetTime(now.Now(ctx).Add(1100 * time.Millisecond))
	probeRelease, err = gate.Acquire(ctx)
	require.NoError(t, err)
	probeRelease(nil)
}

func TestGate_NonQuotaErrorsResetTheStreak(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(25, time.Nanosecond)

	for i := 0; i < breakerThreshold*3; i++ {
		release, err := gate.Acquire(ctx)
		require.NoError(t, err)
		if i%3 == 2 {
			release(types.Errf(types.UpstreamTransient, "timeout"))
		} else {
			release(quotaErr())
		}
	}
	// The streak never reached the threshold, so the breaker stayed closed.
	release, err := gate.Acquire(ctx)
	require.NoError(t, err)
	release(nil)
}

func TestGatedClient_PassesCallsThrough(t *testing.T) {
	ctx := context.Background()
	mock := upstream.NewMockClient()
	client := NewGatedClient(mock, NewGate(2, time.Nanosecond))

	key := types.MosaicKey{Layer: types.LayerS2Harmonized, Period: types.PeriodWet, Year: 2023, VisParam: "tvi-red"}
	handle, err := client.BuildMosaic(ctx, key)
	require.NoError(t, err)
	contents, err := client.FetchTile(ctx, handle.URLTemplate, 12, 1, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, contents)
	assert.Equal(t, 1, mock.Builds(key))
}
