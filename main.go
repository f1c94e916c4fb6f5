package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/schemahub/ingest/internal/checkpoint"
	"github.com/schemahub/ingest/internal/config"
	"github.com/schemahub/ingest/internal/eventbus"
	"github.com/schemahub/ingest/internal/exchange"
	"github.com/schemahub/ingest/internal/fetcher"
	"github.com/schemahub/ingest/internal/health"
	"github.com/schemahub/ingest/internal/kvstore"
	"github.com/schemahub/ingest/internal/lock"
	"github.com/schemahub/ingest/internal/objectstore"
	"github.com/schemahub/ingest/internal/orchestrator"
	"github.com/schemahub/ingest/internal/ratelimit"
	"github.com/schemahub/ingest/internal/rawwriter"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	cfgPath := os.Getenv("SCHEMAHUB_CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("SchemaHub ingest (%s) starting", BuildCommit)
	log.Printf("Source: %s, products: %v, mode: %s", cfg.Source, cfg.Products, cfg.Mode)
	log.Printf("Workers: %d product x %d chunk, rate: %.1f req/s", cfg.ProductWorkers, cfg.ChunkWorkers, cfg.Rate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	kv := kvstore.NewRedisStore(rdb)

	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		log.Fatalf("Failed to build object store client: %v", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{RatePerSecond: cfg.Rate, BurstMultiplier: cfg.BurstMultiplier})
	if err != nil {
		log.Fatalf("Invalid rate limiter config: %v", err)
	}

	breaker := health.New(kv, health.Config{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Cooldown:         cfg.Cooldown(),
	})

	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s/%d", hostname, os.Getpid())
	locks := lock.New(kv, holder, lock.Config{TTL: cfg.LockTTL()})

	var backend checkpoint.Backend
	if cfg.CheckpointDir != "" {
		backend = checkpoint.NewFileBackend(cfg.CheckpointDir)
	} else {
		backend = checkpoint.NewObjectStoreBackend(store, cfg.Prefix+"/checkpoints")
	}
	checkpoints := checkpoint.NewManager(backend)

	writer := rawwriter.New(store, cfg.Prefix)
	adapter := exchange.New(exchange.Config{BaseURL: cfg.ExchangeURL, Source: cfg.Source})

	bus := eventbus.New()
	defer bus.Close()
	startEventLogger(bus)

	f := fetcher.New(adapter, limiter, breaker, writer, checkpoints, bus, fetcher.Config{
		ChunkWorkers:    cfg.ChunkWorkers,
		PageLimit:       cfg.PageLimit,
		FlushTrades:     cfg.FlushTrades,
		FlushBytes:      cfg.FlushBytes,
		MaxAttempts:     cfg.MaxAttempts,
		ColdStartCutoff: cfg.Cutoff(),
	})

	orch := orchestrator.New(locks, checkpoints, f, bus, orchestrator.Config{
		Source:         cfg.Source,
		Products:       cfg.Products,
		Mode:           cfg.ModeValue(),
		ProductWorkers: cfg.ProductWorkers,
		RunTimeout:     cfg.RunTimeout(),
	})

	res, err := orch.Run(ctx)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	if res.Failed() {
		bus.Close() // os.Exit skips deferred calls; drain the progress log first
		os.Exit(1)
	}
}

// startEventLogger puts progress events onto the process log so an
// operator tailing one stream sees flushes, re-enqueues, and run
// completions from every product worker, in the order they happened.
func startEventLogger(bus *eventbus.Bus) {
	logEvent := func(evt eventbus.Event) {
		log.Printf("[event] %s source=%s product=%s run=%s cursor=%d", evt.Type, evt.Source, evt.ProductID, evt.RunID, evt.Cursor)
	}
	bus.Subscribe(eventbus.TypeBatchFlushed, logEvent)
	bus.Subscribe(eventbus.TypeCursorRequeued, logEvent)
	bus.Subscribe(eventbus.TypeRunFinished, logEvent)
}
