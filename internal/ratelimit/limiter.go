// Package ratelimit implements the shared token-bucket rate limiter
// every worker in the process draws from, as a thin validating wrapper
// around golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/schemahub/ingest/internal/errs"
)

// Config is the token-bucket configuration.
type Config struct {
	// RatePerSecond is the refill rate, typically 8-15.
	RatePerSecond float64
	// BurstMultiplier sets Burst = ceil(Rate * BurstMultiplier), ~1.5-2.0.
	BurstMultiplier float64
}

// Limiter is the shared, goroutine-safe rate limiter. All workers in a
// process acquire tokens from the same instance.
type Limiter struct {
	rl    *rate.Limiter
	burst int
}

// New constructs a Limiter from Config, computing burst from the
// multiplier.
func New(cfg Config) (*Limiter, error) {
	if cfg.RatePerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: rate must be positive, got %v", cfg.RatePerSecond)
	}
	mult := cfg.BurstMultiplier
	if mult <= 0 {
		mult = 1.5
	}
	burst := int(cfg.RatePerSecond*mult + 0.999999) // ceil
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rl:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		burst: burst,
	}, nil
}

// Burst returns the configured burst size.
func (l *Limiter) Burst() int { return l.burst }

// Acquire blocks the caller until n tokens are available, then removes
// them. It honors ctx cancellation: a canceled wait consumes zero tokens
// and returns a TransportError-classed cancellation.
//
// n > burst is a configuration error and fails fast without blocking.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n > l.burst {
		return errs.New(errs.KindClientError, "ratelimit.acquire",
			fmt.Errorf("requested %d tokens exceeds burst %d", n, l.burst))
	}
	if err := l.rl.WaitN(ctx, n); err != nil {
		return errs.New(errs.KindTransportError, "ratelimit.acquire", err)
	}
	return nil
}
