package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/kvstore"
	"github.com/schemahub/ingest/internal/models"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kvstore.NewRedisStore(rdb), cfg), mr
}

func TestAllow_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Config{})
	allowed, _, err := b.Allow(context.Background(), "coinbase")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRecordOutcome_tripsOpenAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindServerError, 50, "boom"))
	}

	rec, err := b.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitOpen, rec.CircuitState)

	allowed, wait, err := b.Allow(ctx, "coinbase")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, wait, time.Duration(0))
}

func TestRecordOutcome_rateLimitedDoesNotCountAsFailure(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindRateLimited, 10, "slow down"))
	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindRateLimited, 10, "slow down"))

	rec, err := b.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitClosed, rec.CircuitState)
}

func TestAllow_admitsSingleProbeAfterCooldown(t *testing.T) {
	b, mr := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindServerError, 50, "boom"))
	mr.FastForward(40 * time.Millisecond)
	time.Sleep(30 * time.Millisecond) // let wall-clock OpenedAt comparison clear the cooldown too

	allowed, _, err := b.Allow(ctx, "coinbase")
	require.NoError(t, err)
	require.True(t, allowed)

	rec, err := b.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitHalfOpen, rec.CircuitState)
}

func TestRecordOutcome_halfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindServerError, 50, "boom"))
	time.Sleep(5 * time.Millisecond)
	_, _, err := b.Allow(ctx, "coinbase") // trips HALF_OPEN
	require.NoError(t, err)

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", "", 20, ""))
	require.NoError(t, b.RecordOutcome(ctx, "coinbase", "", 20, ""))

	rec, err := b.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitClosed, rec.CircuitState)
}

func TestRecordOutcome_halfOpenFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, Cooldown: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindServerError, 50, "boom"))
	time.Sleep(5 * time.Millisecond)
	_, _, err := b.Allow(ctx, "coinbase")
	require.NoError(t, err)

	require.NoError(t, b.RecordOutcome(ctx, "coinbase", errs.KindServerError, 50, "still down"))

	rec, err := b.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitOpen, rec.CircuitState)
}
