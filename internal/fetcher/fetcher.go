// Package fetcher is the two-level parallel fetch engine at the heart
// of the ingestion core: a pool of chunk workers per product pulls
// cursor targets off a work queue, every request gated by the shared
// circuit breaker and token-bucket limiter, completed pages merged by
// a single aggregator that flushes raw objects and advances the
// checkpoint. Cursors that fail transiently go back to the queue with
// an attempt budget; a cursor that permanently fails abandons the
// whole batch so the checkpoint never runs ahead of a gap.
package fetcher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schemahub/ingest/internal/checkpoint"
	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/eventbus"
	"github.com/schemahub/ingest/internal/exchange"
	"github.com/schemahub/ingest/internal/health"
	"github.com/schemahub/ingest/internal/models"
	"github.com/schemahub/ingest/internal/ratelimit"
	"github.com/schemahub/ingest/internal/rawwriter"
)

type Config struct {
	// ChunkWorkers is the inner pool size per product (W_c).
	ChunkWorkers int
	// PageLimit is the max trades per upstream page.
	PageLimit int
	// FlushTrades / FlushBytes trigger a raw-object flush when the
	// in-memory buffer crosses either threshold.
	FlushTrades int
	FlushBytes  int
	// MaxAttempts is the per-cursor retry ceiling.
	MaxAttempts int
	// ColdStartCutoff bounds how far back a first run reaches. Zero
	// disables the cutoff (full history).
	ColdStartCutoff time.Duration
	// CircuitWaitBudget caps how long a worker waits out an open
	// circuit in place before giving the cursor back to the queue.
	CircuitWaitBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = 15
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.FlushTrades <= 0 {
		c.FlushTrades = 100_000
	}
	if c.FlushBytes <= 0 {
		c.FlushBytes = 64 << 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ColdStartCutoff < 0 {
		c.ColdStartCutoff = 0
	}
	if c.CircuitWaitBudget <= 0 {
		c.CircuitWaitBudget = 30 * time.Second
	}
	return c
}

// Metrics counts what happened during one product's fetch. Fields are
// updated atomically by workers; read them via Snapshot.
type Metrics struct {
	Pages         int64
	Trades        int64
	Requeues      int64
	RateLimitHits int64
	CircuitWaits  int64
	Flushes       int64
	HeadProbes    int64
}

// Snapshot returns a plain copy safe to read after the run completes
// or while workers are still mutating the counters.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Pages:         atomic.LoadInt64(&m.Pages),
		Trades:        atomic.LoadInt64(&m.Trades),
		Requeues:      atomic.LoadInt64(&m.Requeues),
		RateLimitHits: atomic.LoadInt64(&m.RateLimitHits),
		CircuitWaits:  atomic.LoadInt64(&m.CircuitWaits),
		Flushes:       atomic.LoadInt64(&m.Flushes),
		HeadProbes:    atomic.LoadInt64(&m.HeadProbes),
	}
}

// Result summarizes one product's fetch within a run.
type Result struct {
	Run         models.Run
	StartCursor uint64
	NewCursor   uint64
	NoNewData   bool
	Objects     []models.RawObject
	Metrics     Metrics
}

// Fetcher drives one product at a time; the orchestrator runs several
// Fetcher calls concurrently through its product pool. All dependencies
// are injected so tests can substitute fakes.
type Fetcher struct {
	adapter     exchange.Adapter
	limiter     *ratelimit.Limiter
	breaker     *health.Breaker
	writer      *rawwriter.Writer
	checkpoints *checkpoint.Manager
	bus         *eventbus.Bus
	cfg         Config
}

func New(adapter exchange.Adapter, limiter *ratelimit.Limiter, breaker *health.Breaker, writer *rawwriter.Writer, checkpoints *checkpoint.Manager, bus *eventbus.Bus, cfg Config) *Fetcher {
	return &Fetcher{
		adapter:     adapter,
		limiter:     limiter,
		breaker:     breaker,
		writer:      writer,
		checkpoints: checkpoints,
		bus:         bus,
		cfg:         cfg.withDefaults(),
	}
}

func (f *Fetcher) publish(evt eventbus.Event) {
	if f.bus == nil {
		return
	}
	evt.Timestamp = time.Now()
	f.bus.Publish(evt)
}

// FetchProduct ingests everything between the product's checkpoint and
// the current head. It loops batch-by-batch, re-probing head after each
// drain so trades that arrived mid-run are picked up before declaring
// the product caught up.
func (f *Fetcher) FetchProduct(ctx context.Context, run models.Run) (Result, error) {
	var m Metrics
	name := checkpoint.Name(run.Source, run.ProductID)

	cp, err := f.checkpoints.Load(ctx, name)
	if err != nil {
		return Result{Run: run}, err
	}
	start := cp.Cursor
	run.StartCursor = start

	res := Result{Run: run, StartCursor: start}

	head, err := f.probeHead(ctx, run, &m)
	if err != nil {
		res.Metrics = m.Snapshot()
		return res, err
	}
	run.TargetCursor = head
	res.Run = run

	if head <= start {
		res.NewCursor = start
		res.NoNewData = true
		res.Metrics = m.Snapshot()
		return res, nil
	}

	if start == 0 && f.cfg.ColdStartCutoff > 0 {
		start, err = f.coldStartCursor(ctx, run, head, &m)
		if err != nil {
			res.Metrics = m.Snapshot()
			return res, err
		}
		log.Printf("[fetcher] run=%s product=%s cold start: cursor bounded to %d (cutoff %s)",
			run.RunID, run.ProductID, start, f.cfg.ColdStartCutoff)
		if start >= head {
			// Entire history predates the cutoff window.
			res.NewCursor = cp.Cursor
			res.NoNewData = true
			res.Metrics = m.Snapshot()
			return res, nil
		}
	}

	cursor := start
	for cursor < head {
		prev := cursor
		newCursor, objects, err := f.runBatch(ctx, run, cursor, head, &m)
		res.Objects = append(res.Objects, objects...)
		if newCursor > cursor {
			cursor = newCursor
		}
		if err != nil {
			res.NewCursor = cursor
			res.Metrics = m.Snapshot()
			return res, err
		}
		if cursor == prev {
			// The upstream's head probe promised trades the pages never
			// delivered; stop rather than spin, the next run retries.
			break
		}

		// Conservative completion check: re-probe head and extend the
		// run if the upstream grew while we were draining the plan.
		head, err = f.probeHead(ctx, run, &m)
		if err != nil {
			res.NewCursor = cursor
			res.Metrics = m.Snapshot()
			return res, err
		}
		if head > run.TargetCursor {
			run.TargetCursor = head
			res.Run = run
		}
	}

	res.NewCursor = cursor
	res.NoNewData = cursor == res.StartCursor && len(res.Objects) == 0
	res.Metrics = m.Snapshot()
	return res, nil
}

// guarded wraps one upstream attempt with the pre-call protocol every
// worker follows: wait out the circuit breaker, take a limiter token,
// make the call, report the outcome. RateLimited outcomes are not
// reported to the breaker; the token bucket is the control loop for
// those.
func (f *Fetcher) guarded(ctx context.Context, source string, m *Metrics, call func(context.Context) error) error {
	var waited time.Duration
	for {
		allowed, wait, err := f.breaker.Allow(ctx, source)
		if err != nil {
			return err
		}
		if allowed {
			break
		}
		if wait <= 0 {
			wait = time.Second
		}
		if waited+wait > f.cfg.CircuitWaitBudget {
			return errs.New(errs.KindCircuitOpen, "fetcher.guarded",
				fmt.Errorf("circuit open for %s, %s cooldown remaining", source, wait))
		}
		atomic.AddInt64(&m.CircuitWaits, 1)
		select {
		case <-ctx.Done():
			return errs.New(errs.KindTransportError, "fetcher.guarded", ctx.Err())
		case <-time.After(wait):
		}
		waited += wait
	}

	if err := f.limiter.Acquire(ctx, 1); err != nil {
		return err
	}

	began := time.Now()
	err := call(ctx)
	elapsedMS := float64(time.Since(began).Microseconds()) / 1000.0

	kind := errs.KindOf(err)
	if err == nil {
		if recErr := f.breaker.RecordOutcome(ctx, source, "", elapsedMS, ""); recErr != nil {
			log.Printf("[fetcher] recording success outcome for %s failed: %v", source, recErr)
		}
	} else if errs.CircuitFailure(kind) {
		if recErr := f.breaker.RecordOutcome(ctx, source, kind, elapsedMS, err.Error()); recErr != nil {
			log.Printf("[fetcher] recording failure outcome for %s failed: %v", source, recErr)
		}
	}
	return err
}

func (f *Fetcher) fetchPage(ctx context.Context, run models.Run, after uint64, m *Metrics) ([]models.Trade, error) {
	var trades []models.Trade
	err := f.guarded(ctx, run.Source, m, func(ctx context.Context) error {
		var err error
		trades, err = f.adapter.FetchPage(ctx, run.ProductID, after, f.cfg.PageLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.Pages, 1)
	atomic.AddInt64(&m.Trades, int64(len(trades)))
	return trades, nil
}

// probeHead discovers the current newest trade id, retrying transient
// failures itself since head probes live outside the queue machinery.
func (f *Fetcher) probeHead(ctx context.Context, run models.Run, m *Metrics) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		var head uint64
		err := f.guarded(ctx, run.Source, m, func(ctx context.Context) error {
			var err error
			head, err = f.adapter.Head(ctx, run.ProductID)
			return err
		})
		if err == nil {
			atomic.AddInt64(&m.HeadProbes, 1)
			return head, nil
		}
		lastErr = err
		kind := errs.KindOf(err)
		if !errs.Retriable(kind) && kind != errs.KindCircuitOpen {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, errs.New(errs.KindTransportError, "fetcher.probe_head", ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}
	return 0, lastErr
}

// coldStartCursor walks pages backward from head until trade times fall
// below now-cutoff, returning the cursor just below the oldest trade
// still inside the window. Keeps a first contact with a years-deep
// product from turning into a full-history download.
func (f *Fetcher) coldStartCursor(ctx context.Context, run models.Run, head uint64, m *Metrics) (uint64, error) {
	boundary := time.Now().Add(-f.cfg.ColdStartCutoff)
	limit := uint64(f.cfg.PageLimit)

	after := uint64(0)
	if head > limit {
		after = head - limit
	}
	for {
		trades, err := f.fetchPageWithRetry(ctx, run, after, m)
		if err != nil {
			return 0, err
		}
		if len(trades) == 0 {
			return after, nil
		}
		if trades[0].Time.Before(boundary) {
			for i, tr := range trades {
				if !tr.Time.Before(boundary) {
					if i > 0 {
						return trades[i-1].TradeID, nil
					}
					return tr.TradeID - 1, nil
				}
			}
			// Whole page predates the window; the boundary sits between
			// this page and the one above it.
			return trades[len(trades)-1].TradeID, nil
		}
		if after == 0 {
			return 0, nil
		}
		if after > limit {
			after -= limit
		} else {
			after = 0
		}
	}
}

func (f *Fetcher) fetchPageWithRetry(ctx context.Context, run models.Run, after uint64, m *Metrics) ([]models.Trade, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		trades, err := f.fetchPage(ctx, run, after, m)
		if err == nil {
			return trades, nil
		}
		lastErr = err
		kind := errs.KindOf(err)
		if !errs.Retriable(kind) && kind != errs.KindCircuitOpen {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.KindTransportError, "fetcher.fetch_page", ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << uint(attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

type pageResult struct {
	after  uint64
	trades []models.Trade
}

// batchState records the first fatal outcome of a batch and tears the
// batch down exactly once.
type batchState struct {
	cancel context.CancelFunc
	queue  *workQueue

	mu   sync.Mutex
	once sync.Once
	err  error
}

func (s *batchState) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		s.queue.close()
	})
}

func (s *batchState) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// runBatch executes one planned batch: all cursor targets tiling
// (start, end]. Targets are tiled arithmetically by page limit, which
// is complete for integer trade ids: at most (id - after) trades can
// exist in (after, id], so a page fetched at the tile below any id
// always includes it. Sparse id ranges just make pages overlap, and the
// aggregator's dedup-by-id buffer absorbs the overlap.
//
// Returns the cursor reached by successful flushes (checkpoint already
// advanced to it), the raw objects written, and the batch error if any
// cursor permanently failed. On failure the unflushed remainder of the
// buffer is abandoned; the next run replans from the last checkpoint.
func (f *Fetcher) runBatch(ctx context.Context, run models.Run, start, end uint64, m *Metrics) (uint64, []models.RawObject, error) {
	limit := uint64(f.cfg.PageLimit)
	var planned []uint64
	for after := start; after < end; after += limit {
		planned = append(planned, after)
	}
	if len(planned) == 0 {
		return start, nil, nil
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Flushes and checkpoint saves must survive a run cancellation: a
	// fully-formed buffer is allowed to drain before exit.
	flushCtx := context.WithoutCancel(ctx)

	queue := newWorkQueue()
	for _, after := range planned {
		queue.push(models.CursorTarget{After: after})
	}
	st := &batchState{cancel: cancel, queue: queue}

	// Close the queue when the run is cancelled so blocked poppers wake.
	go func() {
		<-batchCtx.Done()
		queue.close()
	}()

	results := make(chan pageResult, f.cfg.ChunkWorkers)
	var wg sync.WaitGroup
	for i := 0; i < f.cfg.ChunkWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.chunkWorker(batchCtx, run, queue, results, st, m)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Aggregation: this goroutine is the sole writer of the buffer.
	buffer := make(map[uint64]models.Trade)
	var bufBytes int
	completed := make(map[uint64]bool)
	frontierIdx := 0
	cursor := start
	var objects []models.RawObject

	flush := func(frontier uint64) error {
		ids := make([]uint64, 0, len(buffer))
		for id := range buffer {
			if id <= frontier {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		trades := make([]models.Trade, 0, len(ids))
		for _, id := range ids {
			trades = append(trades, buffer[id])
		}

		obj, err := f.writer.WriteBatch(flushCtx, run, trades)
		if err != nil {
			return err
		}
		last := ids[len(ids)-1]
		if err := f.checkpoints.Save(flushCtx, checkpoint.Name(run.Source, run.ProductID), last); err != nil {
			return err
		}
		for _, id := range ids {
			bufBytes -= tradeSize(buffer[id])
			delete(buffer, id)
		}
		cursor = last
		objects = append(objects, obj)
		atomic.AddInt64(&m.Flushes, 1)
		f.publish(eventbus.Event{Type: eventbus.TypeBatchFlushed, Source: run.Source, ProductID: run.ProductID, RunID: run.RunID, Cursor: last, Data: obj})
		f.publish(eventbus.Event{Type: eventbus.TypeCheckpointAdvanced, Source: run.Source, ProductID: run.ProductID, RunID: run.RunID, Cursor: last})
		log.Printf("[fetcher] run=%s product=%s flushed %s (%d trades), checkpoint=%d",
			run.RunID, run.ProductID, obj.Key, obj.Count, last)
		return nil
	}

	var flushErr error
	for res := range results {
		for _, tr := range res.trades {
			// Trades beyond the planned end belong to the next batch;
			// the head re-probe will pick them up.
			if tr.TradeID <= start || tr.TradeID > end {
				continue
			}
			if _, seen := buffer[tr.TradeID]; seen {
				continue
			}
			buffer[tr.TradeID] = tr
			bufBytes += tradeSize(tr)
		}
		completed[res.after] = true
		for frontierIdx < len(planned) && completed[planned[frontierIdx]] {
			frontierIdx++
		}

		if flushErr == nil && (len(buffer) >= f.cfg.FlushTrades || bufBytes >= f.cfg.FlushBytes) {
			frontier := end
			if frontierIdx < len(planned) {
				frontier = planned[frontierIdx]
			}
			if err := flush(frontier); err != nil {
				flushErr = err
				st.fail(err)
			}
		}
	}

	if err := st.failure(); err != nil {
		// Batch abandoned: everything still buffered is thrown away and
		// the checkpoint stays at the last successful flush.
		return cursor, objects, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled, not failed: drain what is provably complete, then
		// surface the cancellation.
		frontier := end
		if frontierIdx < len(planned) {
			frontier = planned[frontierIdx]
		}
		if ferr := flush(frontier); ferr != nil {
			return cursor, objects, ferr
		}
		return cursor, objects, errs.New(errs.KindTransportError, "fetcher.run_batch", err)
	}

	if err := flush(end); err != nil {
		return cursor, objects, err
	}
	return cursor, objects, nil
}

func (f *Fetcher) chunkWorker(ctx context.Context, run models.Run, queue *workQueue, results chan<- pageResult, st *batchState, m *Metrics) {
	for {
		target, ok := queue.pop()
		if !ok {
			return
		}

		trades, err := f.fetchPage(ctx, run, target.After, m)
		if err == nil {
			results <- pageResult{after: target.After, trades: trades}
			queue.done()
			continue
		}

		kind := errs.KindOf(err)
		retriable := errs.Retriable(kind) || kind == errs.KindCircuitOpen
		if retriable && target.Attempts+1 < f.cfg.MaxAttempts {
			atomic.AddInt64(&m.Requeues, 1)
			if kind == errs.KindRateLimited {
				atomic.AddInt64(&m.RateLimitHits, 1)
			}
			f.publish(eventbus.Event{Type: eventbus.TypeCursorRequeued, Source: run.Source, ProductID: run.ProductID, RunID: run.RunID, Cursor: target.After, Data: string(kind)})
			queue.push(models.CursorTarget{After: target.After, Attempts: target.Attempts + 1})
			queue.done()
			continue
		}

		log.Printf("[fetcher] run=%s product=%s kind=%s attempt=%d cursor=%d: abandoning batch: %v",
			run.RunID, run.ProductID, kind, target.Attempts+1, target.After, err)
		st.fail(err)
		queue.done()
	}
}

func tradeSize(t models.Trade) int {
	// Rough serialized footprint; only used to trigger byte-based flushes.
	return 130 + len(t.ProductID) + len(t.Price) + len(t.Size) + len(t.Source) + len(t.RawPayload)
}
