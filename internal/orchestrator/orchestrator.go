// Package orchestrator ties the ingestion core together for one
// process invocation: a bounded pool of product workers, each of which
// takes the product's distributed lock, keeps it alive for the
// duration, and drives the fetcher. Per-product outcomes are collected
// rather than short-circuiting, so one failing product never blocks
// the rest of the run.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/ingest/internal/checkpoint"
	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/eventbus"
	"github.com/schemahub/ingest/internal/fetcher"
	"github.com/schemahub/ingest/internal/lock"
	"github.com/schemahub/ingest/internal/models"
)

// Status classifies how one product's slice of the run ended. Skipped
// is not a failure: another process holds the product and will ingest
// it, so contention is a clean exit.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// ProductFetcher is the slice of the fetcher the orchestrator drives;
// an interface so tests can substitute a scripted fake.
type ProductFetcher interface {
	FetchProduct(ctx context.Context, run models.Run) (fetcher.Result, error)
}

type Config struct {
	Source   string
	Products []string
	Mode     models.Mode
	// ProductWorkers is the outer pool size (W_p).
	ProductWorkers int
	// RunTimeout is the wall-clock ceiling for the whole invocation.
	// Zero means no ceiling.
	RunTimeout time.Duration
	// StoreRetries bounds how many lock acquisition attempts are made
	// on transient store failures before the product is failed.
	StoreRetries      int
	StoreRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProductWorkers <= 0 {
		c.ProductWorkers = 2
	}
	if c.Mode == "" {
		c.Mode = models.ModeIncremental
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.StoreRetryBackoff <= 0 {
		c.StoreRetryBackoff = 2 * time.Second
	}
	return c
}

type Orchestrator struct {
	locks       *lock.Service
	checkpoints *checkpoint.Manager
	fetcher     ProductFetcher
	bus         *eventbus.Bus
	cfg         Config
}

func New(locks *lock.Service, checkpoints *checkpoint.Manager, f ProductFetcher, bus *eventbus.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		locks:       locks,
		checkpoints: checkpoints,
		fetcher:     f,
		bus:         bus,
		cfg:         cfg.withDefaults(),
	}
}

// ProductResult is one product's outcome within the run.
type ProductResult struct {
	ProductID string
	Status    Status
	Run       models.Run
	NewCursor uint64
	NoNewData bool
	Objects   []models.RawObject
	Metrics   fetcher.Metrics
	Err       error
}

// RunResult aggregates the whole invocation.
type RunResult struct {
	Source   string
	Mode     models.Mode
	Products []ProductResult
}

// Failed reports whether any product failed. Skipped products do not
// count: the caller exits zero on an all-skipped run.
func (r RunResult) Failed() bool {
	for _, p := range r.Products {
		if p.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (r RunResult) counts() (succeeded, skipped, failed int) {
	for _, p := range r.Products {
		switch p.Status {
		case StatusSucceeded:
			succeeded++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return
}

// Run executes the configured products through the outer worker pool
// and returns per-product outcomes. The error return is reserved for
// invocation-level problems; per-product failures live in the result.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	results := make([]ProductResult, len(o.cfg.Products))
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.ProductWorkers)

	for i, productID := range o.cfg.Products {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, productID string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = o.runProduct(ctx, productID)
		}(i, productID)
	}
	wg.Wait()

	res := RunResult{Source: o.cfg.Source, Mode: o.cfg.Mode, Products: results}
	succeeded, skipped, failed := res.counts()
	log.Printf("[orchestrator] source=%s mode=%s done: %d succeeded, %d skipped, %d failed",
		o.cfg.Source, o.cfg.Mode, succeeded, skipped, failed)
	return res, nil
}

func (o *Orchestrator) runProduct(ctx context.Context, productID string) ProductResult {
	run := models.Run{
		RunID:     uuid.NewString(),
		Source:    o.cfg.Source,
		ProductID: productID,
		Mode:      o.cfg.Mode,
		CreatedAt: time.Now().UTC(),
	}
	res := ProductResult{ProductID: productID, Run: run}

	lockName := "product:" + o.cfg.Source + ":" + productID
	lease, err := o.acquireWithRetry(ctx, lockName)
	if errors.Is(err, lock.ErrHeld) {
		log.Printf("[orchestrator] run=%s product=%s lock held elsewhere, skipping", run.RunID, productID)
		res.Status = StatusSkipped
		return res
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	// The release must go through even when the run context is already
	// dead, or a crash-free exit would leave the lock to TTL expiry.
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Printf("[orchestrator] run=%s product=%s lock release failed: %v", run.RunID, productID, relErr)
		}
	}()

	// A lost lease (failed heartbeat) must stop the run before any
	// further checkpoint write.
	productCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-lease.Lost():
			cancel()
		case <-watchDone:
		}
	}()

	if o.cfg.Mode == models.ModeFullRefresh {
		// The only sanctioned non-monotonic transition, gated by the
		// explicit mode flag.
		if err := o.checkpoints.Reset(productCtx, checkpoint.Name(o.cfg.Source, productID)); err != nil {
			res.Status = StatusFailed
			res.Err = err
			return res
		}
		log.Printf("[orchestrator] run=%s product=%s full refresh: checkpoint reset", run.RunID, productID)
	}

	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Source: run.Source, ProductID: productID, RunID: run.RunID, Timestamp: time.Now()})
	}

	fres, err := o.fetcher.FetchProduct(productCtx, run)
	res.Run = fres.Run
	res.NewCursor = fres.NewCursor
	res.NoNewData = fres.NoNewData
	res.Objects = fres.Objects
	res.Metrics = fres.Metrics

	select {
	case <-lease.Lost():
		err = errs.New(errs.KindLockLost, "orchestrator.run_product", lease.LostErr())
	default:
	}

	if err != nil {
		log.Printf("[orchestrator] run=%s product=%s kind=%s failed: %v",
			run.RunID, productID, errs.KindOf(err), err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	res.Status = StatusSucceeded
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Source: run.Source, ProductID: productID, RunID: run.RunID, Cursor: fres.NewCursor, Timestamp: time.Now()})
	}
	log.Printf("[orchestrator] run=%s product=%s succeeded: cursor %d -> %d (%d objects, %d pages, %d requeues)",
		run.RunID, productID, fres.StartCursor, fres.NewCursor, len(fres.Objects), fres.Metrics.Pages, fres.Metrics.Requeues)
	return res
}

// acquireWithRetry retries transient store failures a bounded number of
// times before giving up; a held lock is returned immediately.
func (o *Orchestrator) acquireWithRetry(ctx context.Context, lockName string) (*lock.Lease, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.StoreRetries; attempt++ {
		lease, err := o.locks.Acquire(ctx, lockName)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, lock.ErrHeld) || errs.KindOf(err) != errs.KindStoreUnavailable {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.KindStoreUnavailable, "orchestrator.acquire", ctx.Err())
		case <-time.After(o.cfg.StoreRetryBackoff):
		}
	}
	return nil, lastErr
}
