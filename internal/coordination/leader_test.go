package coordination_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PredictLedger/internal/coordination"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/testutil"
)

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, coordination.RenewInterval(15*time.Second))
	assert.Equal(t, 100*time.Millisecond, coordination.RenewInterval(90*time.Millisecond))
}

// ============================================================================
// Integration tests (require Redis)
// ============================================================================

func newLocks(t *testing.T, ttl time.Duration) (*coordination.LeaderLock, *coordination.LeaderLock, *observability.Metrics) {
	t.Helper()
	testutil.RequireIntegration(t)
	ctx := context.Background()
	rdb, err := coordination.Connect(ctx, testutil.TestRedisAddr(), "")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	key := "predictledger:test:" + t.Name()
	require.NoError(t, rdb.Del(ctx, key).Err())

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	a := coordination.NewLeaderLock(rdb, key, ttl, metrics, zerolog.Nop())
	b := coordination.NewLeaderLock(rdb, key, ttl, nil, zerolog.Nop())
	return a, b, metrics
}

func TestLeaderLock_ExclusiveAcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newLocks(t, 2*time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring our own lease succeeds")

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder can renew")

	require.NoError(t, b.Release(ctx))
	ok, err = a.Renew(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a foreign release leaves the lease intact")

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaderLock_RunReleasesOnReturn(t *testing.T) {
	ctx := context.Background()
	a, b, metrics := newLocks(t, time.Second)

	sentinel := errors.New("done")
	err := a.Run(ctx, func(ctx context.Context) error {
		assert.Equal(t, 1.0, promtest.ToFloat64(metrics.LeaderStatus))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.LeaderStatus))

	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lease released after Run returns")
}

func TestLeaderLock_RunWaitsForLease(t *testing.T) {
	a, b, _ := newLocks(t, time.Second)
	ok, err := a.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = b.Run(ctx, func(context.Context) error {
		t.Fatal("must not lead while another holder has the lease")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
