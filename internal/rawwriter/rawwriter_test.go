package rawwriter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/models"
	"github.com/schemahub/ingest/internal/objectstore"
)

func sampleRun() models.Run {
	return models.Run{
		RunID:     "run-1",
		Source:    "coinbase",
		ProductID: "BTC-USD",
		CreatedAt: time.Date(2026, 7, 29, 12, 0, 0, 500_000_000, time.UTC),
	}
}

func sampleTrades(ids ...uint64) []models.Trade {
	trades := make([]models.Trade, 0, len(ids))
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	for _, id := range ids {
		trades = append(trades, models.Trade{TradeID: id, ProductID: "BTC-USD", Price: "1", Size: "1", Time: now, Side: models.SideBuy})
	}
	return trades
}

func TestWriteBatch_rejectsEmptyBatch(t *testing.T) {
	w := New(objectstore.NewFake(), "raw")
	_, err := w.WriteBatch(context.Background(), sampleRun(), nil)
	require.Error(t, err)
}

func TestWriteBatch_rejectsUnorderedInput(t *testing.T) {
	w := New(objectstore.NewFake(), "raw")
	_, err := w.WriteBatch(context.Background(), sampleRun(), sampleTrades(5, 3, 7))
	require.Error(t, err)
	require.Equal(t, errs.KindUnorderedBatch, errs.KindOf(err))
}

func TestWriteBatch_rejectsDuplicateIDs(t *testing.T) {
	w := New(objectstore.NewFake(), "raw")
	_, err := w.WriteBatch(context.Background(), sampleRun(), sampleTrades(5, 5, 7))
	require.Error(t, err)
	require.Equal(t, errs.KindUnorderedBatch, errs.KindOf(err))
}

func TestWriteBatch_keyUsesRunCreationFlooredToSecond(t *testing.T) {
	store := objectstore.NewFake()
	w := New(store, "raw")
	trades := sampleTrades(1, 2, 3)

	obj, err := w.WriteBatch(context.Background(), sampleRun(), trades)
	require.NoError(t, err)
	// Run created_at carries 500ms; the key floors it away.
	require.Equal(t, "raw/raw_coinbase_trades_BTC-USD_20260729T120000Z_run-1_1_3_3.jsonl", obj.Key)
	require.Equal(t, uint64(1), obj.FirstID)
	require.Equal(t, uint64(3), obj.LastID)
	require.Equal(t, 3, obj.Count)
}

func TestWriteBatch_retryWithSameInputIsNoop(t *testing.T) {
	store := objectstore.NewFake()
	w := New(store, "raw")
	trades := sampleTrades(1, 2, 3)
	ctx := context.Background()

	obj1, err := w.WriteBatch(ctx, sampleRun(), trades)
	require.NoError(t, err)
	obj2, err := w.WriteBatch(ctx, sampleRun(), trades)
	require.NoError(t, err)
	require.Equal(t, obj1.Key, obj2.Key)

	keys, err := store.List(ctx, "raw/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestWriteBatch_differentRunsProduceDisjointKeys(t *testing.T) {
	store := objectstore.NewFake()
	w := New(store, "raw")
	trades := sampleTrades(1, 2, 3)
	ctx := context.Background()

	run2 := sampleRun()
	run2.RunID = "run-2"

	obj1, err := w.WriteBatch(ctx, sampleRun(), trades)
	require.NoError(t, err)
	obj2, err := w.WriteBatch(ctx, run2, trades)
	require.NoError(t, err)
	require.NotEqual(t, obj1.Key, obj2.Key)

	keys, err := store.List(ctx, "raw/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestWriteBatch_writesNewlineDelimitedJSONInOrder(t *testing.T) {
	store := objectstore.NewFake()
	w := New(store, "raw")
	trades := sampleTrades(1, 2, 3)
	ctx := context.Background()

	obj, err := w.WriteBatch(ctx, sampleRun(), trades)
	require.NoError(t, err)

	data, err := store.Get(ctx, obj.Key)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var ids []uint64
	for scanner.Scan() {
		var tr models.Trade
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &tr))
		ids = append(ids, tr.TradeID)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)
}
