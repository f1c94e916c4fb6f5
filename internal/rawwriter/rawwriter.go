// Package rawwriter constructs the deterministic object key for a raw
// trade batch and writes it as newline-delimited JSON. A retried write
// with the same inputs produces the same key and is a no-op at the
// store, so a flush interrupted between PUT and checkpoint save is
// safe to repeat.
package rawwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/models"
	"github.com/schemahub/ingest/internal/objectstore"
)

// Writer durably persists batches of trades as raw objects.
type Writer struct {
	store  objectstore.Store
	prefix string
}

func New(store objectstore.Store, prefix string) *Writer {
	return &Writer{store: store, prefix: prefix}
}

// Key builds the deterministic object key:
// {prefix}/raw_{source}_trades_{product_id}_{YYYYMMDDTHHMMSSZ}_{run_id}_{first_id}_{last_id}_{count}.jsonl
// The timestamp is the run's creation instant floored to the second, so
// every flush of the same run shares it and the key stays a pure
// function of (run, first, last, count).
func Key(prefix, source, productID string, runCreatedAt time.Time, runID string, firstID, lastID uint64, count int) string {
	return fmt.Sprintf("%s/raw_%s_trades_%s_%s_%s_%d_%d_%d.jsonl",
		prefix, source, productID, runCreatedAt.UTC().Truncate(time.Second).Format("20060102T150405Z"), runID, firstID, lastID, count)
}

// WriteBatch serializes trades as newline-delimited JSON and writes
// them under the batch's deterministic key. trades must be non-empty
// and sorted ascending by TradeID; out-of-order input is rejected as
// UnorderedBatch rather than silently written out of order, since
// downstream consumers rely on file-order matching id-order.
func (w *Writer) WriteBatch(ctx context.Context, run models.Run, trades []models.Trade) (models.RawObject, error) {
	if len(trades) == 0 {
		return models.RawObject{}, errs.New(errs.KindClientError, "rawwriter.write_batch", errors.New("empty batch"))
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].TradeID <= trades[i-1].TradeID {
			return models.RawObject{}, errs.New(errs.KindUnorderedBatch, "rawwriter.write_batch",
				fmt.Errorf("trade %d at index %d is not strictly greater than preceding trade %d", trades[i].TradeID, i, trades[i-1].TradeID))
		}
	}

	first, last := trades[0].TradeID, trades[len(trades)-1].TradeID
	key := Key(w.prefix, run.Source, run.ProductID, run.CreatedAt, run.RunID, first, last, len(trades))

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return models.RawObject{}, errs.New(errs.KindClientError, "rawwriter.write_batch", err)
		}
	}

	if err := w.store.PutIfAbsent(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil && err != objectstore.ErrAlreadyExists {
		return models.RawObject{}, errs.New(errs.KindStoreUnavailable, "rawwriter.write_batch", err)
	}
	// ErrAlreadyExists means a previous attempt already wrote this exact
	// key; since the key is a pure function of the batch, this write is
	// an idempotent no-op.

	return models.RawObject{
		Key:       key,
		Source:    run.Source,
		ProductID: run.ProductID,
		RunID:     run.RunID,
		FirstID:   first,
		LastID:    last,
		Count:     len(trades),
	}, nil
}
