package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/schemahub/ingest/internal/checkpoint"
	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/health"
	"github.com/schemahub/ingest/internal/kvstore"
	"github.com/schemahub/ingest/internal/models"
	"github.com/schemahub/ingest/internal/objectstore"
	"github.com/schemahub/ingest/internal/ratelimit"
	"github.com/schemahub/ingest/internal/rawwriter"
)

// fakeAdapter serves a fixed ascending trade history and can be
// scripted to fail specific cursors with specific errors.
type fakeAdapter struct {
	mu       sync.Mutex
	trades   []models.Trade
	failures map[uint64][]error
	// headSequence overrides successive Head answers; once drained,
	// Head reports the true max trade id.
	headSequence []uint64
}

func newFakeAdapter(trades []models.Trade) *fakeAdapter {
	return &fakeAdapter{trades: trades, failures: make(map[uint64][]error)}
}

// failOnce queues err to be returned by the next FetchPage(after).
func (a *fakeAdapter) failOnce(after uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[after] = append(a.failures[after], err)
}

func (a *fakeAdapter) Head(_ context.Context, _ string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.headSequence) > 0 {
		head := a.headSequence[0]
		a.headSequence = a.headSequence[1:]
		return head, nil
	}
	if len(a.trades) == 0 {
		return 0, nil
	}
	return a.trades[len(a.trades)-1].TradeID, nil
}

func (a *fakeAdapter) FetchPage(_ context.Context, _ string, after uint64, limit int) ([]models.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pending := a.failures[after]; len(pending) > 0 {
		err := pending[0]
		a.failures[after] = pending[1:]
		return nil, err
	}
	var page []models.Trade
	for _, tr := range a.trades {
		if tr.TradeID > after {
			page = append(page, tr)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func tradeRange(first, last uint64, at time.Time) []models.Trade {
	trades := make([]models.Trade, 0, last-first+1)
	for id := first; id <= last; id++ {
		trades = append(trades, models.Trade{
			TradeID: id, ProductID: "BTC-USD", Price: "50000.00", Size: "0.01",
			Time: at, Side: models.SideBuy, Source: "coinbase",
		})
	}
	return trades
}

type fixture struct {
	fetcher     *Fetcher
	checkpoints *checkpoint.Manager
	store       *objectstore.Fake
	breaker     *health.Breaker
	mr          *miniredis.Miniredis
}

func newFixture(t *testing.T, adapter *fakeAdapter, cfg Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	breaker := health.New(kvstore.NewRedisStore(rdb), health.Config{Cooldown: 100 * time.Millisecond})
	limiter, err := ratelimit.New(ratelimit.Config{RatePerSecond: 10_000, BurstMultiplier: 2})
	require.NoError(t, err)

	store := objectstore.NewFake()
	writer := rawwriter.New(store, "raw")
	checkpoints := checkpoint.NewManager(checkpoint.NewFileBackend(t.TempDir()))

	return &fixture{
		fetcher:     New(adapter, limiter, breaker, writer, checkpoints, nil, cfg),
		checkpoints: checkpoints,
		store:       store,
		breaker:     breaker,
		mr:          mr,
	}
}

func testRun() models.Run {
	return models.Run{
		RunID:     "run-1",
		Source:    "coinbase",
		ProductID: "BTC-USD",
		Mode:      models.ModeIncremental,
		CreatedAt: time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC),
	}
}

func readObject(t *testing.T, store *objectstore.Fake, key string) []uint64 {
	t.Helper()
	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	var ids []uint64
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var tr models.Trade
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &tr))
		ids = append(ids, tr.TradeID)
	}
	return ids
}

func TestFetchProduct_freshProductIngestsEverything(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1000, time.Now()))
	f := newFixture(t, adapter, Config{ChunkWorkers: 4, PageLimit: 100})

	res, err := f.fetcher.FetchProduct(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(1000), res.NewCursor)
	require.False(t, res.NoNewData)

	cp, err := f.checkpoints.Load(context.Background(), checkpoint.Name("coinbase", "BTC-USD"))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cp.Cursor)

	var total int
	for _, obj := range res.Objects {
		total += obj.Count
	}
	require.Equal(t, 1000, total)
	require.Equal(t, uint64(1), res.Objects[0].FirstID)
	require.Equal(t, uint64(1000), res.Objects[len(res.Objects)-1].LastID)
}

func TestFetchProduct_incrementalFromCheckpoint(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1500, time.Now()))
	f := newFixture(t, adapter, Config{ChunkWorkers: 4, PageLimit: 100})
	ctx := context.Background()

	require.NoError(t, f.checkpoints.Save(ctx, checkpoint.Name("coinbase", "BTC-USD"), 1000))

	res, err := f.fetcher.FetchProduct(ctx, testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(1500), res.NewCursor)
	require.Len(t, res.Objects, 1)
	require.Equal(t, uint64(1001), res.Objects[0].FirstID)
	require.Equal(t, uint64(1500), res.Objects[0].LastID)
	require.Equal(t, 500, res.Objects[0].Count)

	ids := readObject(t, f.store, res.Objects[0].Key)
	require.Len(t, ids, 500)
	for i, id := range ids {
		require.Equal(t, uint64(1001+i), id)
	}
}

func TestFetchProduct_noNewData(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1000, time.Now()))
	f := newFixture(t, adapter, Config{ChunkWorkers: 4, PageLimit: 100})
	ctx := context.Background()

	require.NoError(t, f.checkpoints.Save(ctx, checkpoint.Name("coinbase", "BTC-USD"), 1000))

	res, err := f.fetcher.FetchProduct(ctx, testRun())
	require.NoError(t, err)
	require.True(t, res.NoNewData)
	require.Empty(t, res.Objects)
	require.Equal(t, uint64(1000), res.NewCursor)
}

func TestFetchProduct_rateLimitedCursorsAreRequeued(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1500, time.Now()))
	adapter.failOnce(1100, errs.New(errs.KindRateLimited, "exchange.get", fmt.Errorf("status %d", http.StatusTooManyRequests)))
	adapter.failOnce(1300, errs.New(errs.KindRateLimited, "exchange.get", fmt.Errorf("status %d", http.StatusTooManyRequests)))
	f := newFixture(t, adapter, Config{ChunkWorkers: 4, PageLimit: 100})
	ctx := context.Background()

	require.NoError(t, f.checkpoints.Save(ctx, checkpoint.Name("coinbase", "BTC-USD"), 1000))

	res, err := f.fetcher.FetchProduct(ctx, testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(1500), res.NewCursor)
	require.GreaterOrEqual(t, res.Metrics.Requeues, int64(2))
	require.Equal(t, int64(2), res.Metrics.RateLimitHits)

	// Every trade delivered exactly once despite the retries.
	require.Len(t, res.Objects, 1)
	ids := readObject(t, f.store, res.Objects[0].Key)
	require.Len(t, ids, 500)

	// RateLimited must not have tripped the breaker.
	rec, err := f.breaker.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.NotEqual(t, models.CircuitOpen, rec.CircuitState)
}

func TestFetchProduct_clientErrorAbandonsBatch(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1500, time.Now()))
	adapter.failOnce(1200, errs.New(errs.KindClientError, "exchange.get", fmt.Errorf("status 404")))
	f := newFixture(t, adapter, Config{ChunkWorkers: 2, PageLimit: 100})
	ctx := context.Background()

	require.NoError(t, f.checkpoints.Save(ctx, checkpoint.Name("coinbase", "BTC-USD"), 1000))

	_, err := f.fetcher.FetchProduct(ctx, testRun())
	require.Error(t, err)
	require.Equal(t, errs.KindClientError, errs.KindOf(err))

	// Batch abandoned: checkpoint unchanged, nothing written.
	cp, err := f.checkpoints.Load(ctx, checkpoint.Name("coinbase", "BTC-USD"))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cp.Cursor)
	keys, err := f.store.List(ctx, "raw/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFetchProduct_persistentServerErrorsOpenCircuit(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 1500, time.Now()))
	// Every cursor fails repeatedly so the consecutive-failure count
	// builds without intervening successes resetting it.
	for _, after := range []uint64{1000, 1100, 1200, 1300, 1400} {
		for i := 0; i < 10; i++ {
			adapter.failOnce(after, errs.New(errs.KindServerError, "exchange.get", fmt.Errorf("status 500")))
		}
	}
	f := newFixture(t, adapter, Config{ChunkWorkers: 1, PageLimit: 100, MaxAttempts: 6, CircuitWaitBudget: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.checkpoints.Save(ctx, checkpoint.Name("coinbase", "BTC-USD"), 1000))

	_, err := f.fetcher.FetchProduct(ctx, testRun())
	require.Error(t, err)

	cp, err := f.checkpoints.Load(ctx, checkpoint.Name("coinbase", "BTC-USD"))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cp.Cursor)

	rec, err := f.breaker.Snapshot(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, models.CircuitOpen, rec.CircuitState)
}

func TestFetchProduct_flushThresholdSplitsObjects(t *testing.T) {
	adapter := newFakeAdapter(tradeRange(1, 450, time.Now()))
	f := newFixture(t, adapter, Config{ChunkWorkers: 4, PageLimit: 50, FlushTrades: 100})

	res, err := f.fetcher.FetchProduct(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(450), res.NewCursor)
	require.Greater(t, len(res.Objects), 1)

	// Across objects first_id strictly increases and coverage is exact.
	var total int
	var prevLast uint64
	for _, obj := range res.Objects {
		require.Greater(t, obj.FirstID, prevLast)
		ids := readObject(t, f.store, obj.Key)
		require.Len(t, ids, obj.Count)
		for i := 1; i < len(ids); i++ {
			require.Greater(t, ids[i], ids[i-1])
		}
		prevLast = obj.LastID
		total += obj.Count
	}
	require.Equal(t, 450, total)
}

func TestFetchProduct_coldStartHonorsTimeCutoff(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-10 * time.Minute)
	trades := append(tradeRange(1, 100, old), tradeRange(101, 200, recent)...)
	adapter := newFakeAdapter(trades)
	f := newFixture(t, adapter, Config{ChunkWorkers: 2, PageLimit: 50, ColdStartCutoff: 45 * time.Minute})

	res, err := f.fetcher.FetchProduct(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(200), res.NewCursor)

	var ids []uint64
	for _, obj := range res.Objects {
		ids = append(ids, readObject(t, f.store, obj.Key)...)
	}
	require.Len(t, ids, 100)
	require.Equal(t, uint64(101), ids[0])
	require.Equal(t, uint64(200), ids[len(ids)-1])
}

func TestFetchProduct_headGrowthDuringRunIsPickedUp(t *testing.T) {
	// All 600 trades exist upstream, but the first head probe only sees
	// 500: the batch plan covers (0, 500] and the post-drain re-probe
	// discovers the remainder.
	adapter := newFakeAdapter(tradeRange(1, 600, time.Now()))
	adapter.headSequence = []uint64{500}
	f := newFixture(t, adapter, Config{ChunkWorkers: 2, PageLimit: 100})
	ctx := context.Background()

	res, err := f.fetcher.FetchProduct(ctx, testRun())
	require.NoError(t, err)
	require.Equal(t, uint64(600), res.NewCursor)

	cp, err := f.checkpoints.Load(ctx, checkpoint.Name("coinbase", "BTC-USD"))
	require.NoError(t, err)
	require.Equal(t, uint64(600), cp.Cursor)
}
