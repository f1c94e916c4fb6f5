package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/schemahub/ingest/internal/checkpoint"
	"github.com/schemahub/ingest/internal/config"
	"github.com/schemahub/ingest/internal/objectstore"
)

// Resets product watermarks so the next run re-pulls from scratch.
// Usage: reset_checkpoint [PRODUCT ...]  (defaults to every configured product)
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

	var backend checkpoint.Backend
	if cfg.CheckpointDir != "" {
		backend = checkpoint.NewFileBackend(cfg.CheckpointDir)
	} else {
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
		backend = checkpoint.NewObjectStoreBackend(store, cfg.Prefix+"/checkpoints")
	}
	manager := checkpoint.NewManager(backend)

	for _, product := range products {
		name := checkpoint.Name(cfg.Source, product)
		before, err := manager.Load(ctx, name)
		if err != nil {
			log.Fatalf("Failed to load checkpoint for %s: %v", product, err)
		}
		if err := manager.Reset(ctx, name); err != nil {
			log.Fatalf("Failed to reset checkpoint for %s: %v", product, err)
		}
		if before.Cursor == 0 {
			fmt.Printf("No checkpoint for '%s'. It might have already been reset or never existed.\n", product)
		} else {
			fmt.Printf("Reset checkpoint for '%s' (was %d). The next run will re-pull from the cold-start window.\n", product, before.Cursor)
		}
	}
}
