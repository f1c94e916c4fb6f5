package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/schemahub/ingest/internal/config"
	"github.com/schemahub/ingest/internal/exchange"
	"github.com/schemahub/ingest/internal/ratelimit"
)

// Probes upstream latency per product: head discovery, first page, and
// a short paged walk, all through the configured rate limiter so the
// numbers reflect what the ingester will actually see.
func main() {
	cfg, err := config.Load(os.Getenv("SCHEMAHUB_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	products := os.Args[1:]
	if len(products) == 0 {
		products = cfg.Products
	}

	ctx := context.Background()
	adapter := exchange.New(exchange.Config{BaseURL: cfg.ExchangeURL, Source: cfg.Source})
	limiter, err := ratelimit.New(ratelimit.Config{RatePerSecond: cfg.Rate, BurstMultiplier: cfg.BurstMultiplier})
	if err != nil {
		log.Fatalf("Invalid rate limiter config: %v", err)
	}

	for _, product := range products {
		fmt.Printf("\n========== %s ==========\n", product)

		if err := limiter.Acquire(ctx, 1); err != nil {
			log.Fatalf("limiter: %v", err)
		}
		t0 := time.Now()
		head, err := adapter.Head(ctx, product)
		d0 := time.Since(t0)
		if err != nil {
			fmt.Printf("  Head: FAIL (%v) [%v]\n", err, d0)
			continue
		}
		fmt.Printf("  Head: OK [%v] head=%d\n", d0, head)

		var after uint64
		if head > uint64(cfg.PageLimit) {
			after = head - uint64(cfg.PageLimit)
		}

		if err := limiter.Acquire(ctx, 1); err != nil {
			log.Fatalf("limiter: %v", err)
		}
		t0 = time.Now()
		page, err := adapter.FetchPage(ctx, product, after, cfg.PageLimit)
		d1 := time.Since(t0)
		if err != nil {
			fmt.Printf("  FetchPage(after=%d): FAIL (%v) [%v]\n", after, err, d1)
			continue
		}
		fmt.Printf("  FetchPage(after=%d): OK [%v] trades=%d\n", after, d1, len(page))

		// Short walk: up to 5 consecutive pages at the limiter's pace, the
		// same access pattern a chunk worker produces. The walk stops
		// early at an empty page or a failed request.
		const walkPages = 5
		walkAfter := after
		t0 = time.Now()
		var walked, pagesWalked int
		for i := 0; i < walkPages; i++ {
			if err := limiter.Acquire(ctx, 1); err != nil {
				log.Fatalf("limiter: %v", err)
			}
			page, err := adapter.FetchPage(ctx, product, walkAfter, cfg.PageLimit)
			if err != nil {
				fmt.Printf("  Walk: FAIL at after=%d: %v\n", walkAfter, err)
				break
			}
			pagesWalked++
			if len(page) == 0 {
				break
			}
			walked += len(page)
			walkAfter = page[len(page)-1].TradeID
		}
		d2 := time.Since(t0)
		var avg time.Duration
		if pagesWalked > 0 {
			avg = d2 / time.Duration(pagesWalked)
		}
		fmt.Printf("  %d-page walk: [%v] trades=%d avg=%v/page\n", pagesWalked, d2, walked, avg)
	}
}
