// Package health implements the shared circuit breaker: one
// HealthRecord per source, stored in the conditional KV store so every
// worker process in the fleet observes and transitions the same state
// instead of keeping independent in-memory counters.
//
// The state machine's transition table is driven directly off
// HealthRecord, since sony/gobreaker's own TwoStepCircuitBreaker keeps
// its counts in process memory and has no way to be seeded from
// externally persisted state. gobreaker is still put to use here as a
// per-process gate in front of the shared store: each Breaker keeps one
// local TwoStepCircuitBreaker per source, fed with the outcomes this
// process records. Allow reads the shared record on every call; the
// local gate only selects which branch of Allow handles the call.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/kvstore"
	"github.com/schemahub/ingest/internal/models"
)

// Config holds the breaker's transition thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip CLOSED -> OPEN
	SuccessThreshold int           // consecutive successes to trip HALF_OPEN -> CLOSED
	Cooldown         time.Duration // OPEN dwell time before a probe is admitted
	RecordTTL        time.Duration // TTL on the stored HealthRecord itself
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	return c
}

// Breaker is the shared, store-backed circuit breaker for one source.
type Breaker struct {
	kv  kvstore.Store
	cfg Config

	mu    sync.Mutex
	local map[string]*gobreaker.TwoStepCircuitBreaker
}

func New(kv kvstore.Store, cfg Config) *Breaker {
	return &Breaker{kv: kv, cfg: cfg.withDefaults(), local: make(map[string]*gobreaker.TwoStepCircuitBreaker)}
}

func healthKey(source string) string { return fmt.Sprintf("health:%s", source) }

func (b *Breaker) localFor(source string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.local[source]; ok {
		return cb
	}
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold)
		},
	})
	b.local[source] = cb
	return cb
}

// load fetches the current HealthRecord and its version, treating an
// absent record as a fresh CLOSED breaker.
func (b *Breaker) load(ctx context.Context, source string) (rec models.HealthRecord, version string, found bool, err error) {
	raw, found, err := b.kv.Get(ctx, healthKey(source))
	if err != nil {
		return models.HealthRecord{}, "", false, errs.New(errs.KindStoreUnavailable, "health.load", err)
	}
	if !found {
		return models.HealthRecord{CircuitState: models.CircuitClosed}, "", false, nil
	}
	var rec2 models.HealthRecord
	if err := json.Unmarshal(raw.Value, &rec2); err != nil {
		return models.HealthRecord{}, "", false, errs.New(errs.KindCheckpointCorrupt, "health.load", err)
	}
	return rec2, raw.Version, true, nil
}

// save writes rec conditioned on the last-observed version. existed
// distinguishes a fresh record (no version yet) from an update.
func (b *Breaker) save(ctx context.Context, source, version string, existed bool, rec models.HealthRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errs.New(errs.KindClientError, "health.save", err)
	}
	if !existed {
		_, err = b.kv.PutIfAbsentOrExpired(ctx, healthKey(source), payload, b.cfg.RecordTTL)
		if errors.Is(err, kvstore.ErrNotAbsent) {
			return kvstore.ErrVersionMismatch // someone else created it first; caller retries
		}
	} else {
		_, err = b.kv.PutIfMatch(ctx, healthKey(source), version, payload, b.cfg.RecordTTL)
	}
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return kvstore.ErrVersionMismatch
	}
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "health.save", err)
	}
	return nil
}

// Allow reports whether a caller may proceed with a request against
// source right now, and if not, how long to wait before checking again.
// It consults the local gobreaker gate first (cheap, no store round
// trip); a local admit still confirms against the shared record, since
// another process may have tripped the breaker in the meantime.
func (b *Breaker) Allow(ctx context.Context, source string) (allowed bool, wait time.Duration, err error) {
	local := b.localFor(source)
	done, localErr := local.Allow()
	if localErr == nil {
		rec, _, _, err := b.load(ctx, source)
		if err != nil {
			done(false)
			return false, 0, err
		}
		if rec.CircuitState == models.CircuitOpen {
			w := b.cfg.Cooldown - time.Since(rec.OpenedAt)
			done(false)
			if w <= 0 {
				return b.admitProbe(ctx, source)
			}
			return false, w, nil
		}
		done(true)
		return true, 0, nil
	}

	rec, _, _, err := b.load(ctx, source)
	if err != nil {
		return false, 0, err
	}
	switch rec.CircuitState {
	case models.CircuitClosed:
		return true, 0, nil
	case models.CircuitHalfOpen:
		return false, b.cfg.Cooldown, nil
	default: // OPEN
		w := b.cfg.Cooldown - time.Since(rec.OpenedAt)
		if w <= 0 {
			return b.admitProbe(ctx, source)
		}
		return false, w, nil
	}
}

// admitProbe races to transition OPEN -> HALF_OPEN via a conditional
// write; exactly one caller per cooldown window wins and becomes the
// probe, the rest are told to wait out a fresh cooldown.
func (b *Breaker) admitProbe(ctx context.Context, source string) (bool, time.Duration, error) {
	rec, version, existed, err := b.load(ctx, source)
	if err != nil {
		return false, 0, err
	}
	rec.CircuitState = models.CircuitHalfOpen
	rec.ConsecutiveSuccesses = 0
	if err := b.save(ctx, source, version, existed, rec); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			return false, b.cfg.Cooldown, nil
		}
		return false, 0, err
	}
	return true, 0, nil
}

// RecordOutcome updates the shared HealthRecord for source after a
// call completes. kind is "" for a clean success. A kind that
// errs.CircuitFailure does not count (RateLimited, for one) leaves the
// record unchanged.
func (b *Breaker) RecordOutcome(ctx context.Context, source string, kind errs.Kind, responseTimeMS float64, errMsg string) error {
	if kind != "" && !errs.CircuitFailure(kind) {
		return nil
	}
	success := kind == ""
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, version, existed, err := b.load(ctx, source)
		if err != nil {
			return err
		}
		next := transition(rec, success, errMsg, responseTimeMS, b.cfg)
		if err := b.save(ctx, source, version, existed, next); err != nil {
			if errors.Is(err, kvstore.ErrVersionMismatch) {
				continue // lost the CAS race; retry with fresh state
			}
			return err
		}
		b.syncLocal(source, success)
		return nil
	}
	return errs.New(errs.KindStoreUnavailable, "health.record_outcome", fmt.Errorf("exhausted %d CAS attempts", maxAttempts))
}

func (b *Breaker) syncLocal(source string, success bool) {
	cb := b.localFor(source)
	done, err := cb.Allow()
	if err != nil {
		return
	}
	done(success)
}

func transition(rec models.HealthRecord, success bool, errMsg string, responseTimeMS float64, cfg Config) models.HealthRecord {
	const emaAlpha = 0.2
	now := time.Now()
	next := rec

	if success {
		next.ConsecutiveSuccesses++
		next.ConsecutiveFailures = 0
		next.LastSuccessTS = now
		if rec.AvgResponseTimeMS == 0 {
			next.AvgResponseTimeMS = responseTimeMS
		} else {
			next.AvgResponseTimeMS = emaAlpha*responseTimeMS + (1-emaAlpha)*rec.AvgResponseTimeMS
		}
		next.ErrorRate = (1 - emaAlpha) * rec.ErrorRate
	} else {
		next.ConsecutiveFailures++
		next.ConsecutiveSuccesses = 0
		next.LastFailureTS = now
		next.LastErrorMessage = errMsg
		next.ErrorRate = emaAlpha*1.0 + (1-emaAlpha)*rec.ErrorRate
	}

	switch rec.CircuitState {
	case models.CircuitHalfOpen:
		if success {
			if next.ConsecutiveSuccesses >= cfg.SuccessThreshold {
				next.CircuitState = models.CircuitClosed
				next.OpenedAt = time.Time{}
			}
		} else {
			next.CircuitState = models.CircuitOpen
			next.OpenedAt = now
		}
	default: // CLOSED or OPEN (a success landing here is a stale probe result)
		if !success && next.ConsecutiveFailures >= cfg.FailureThreshold {
			next.CircuitState = models.CircuitOpen
			next.OpenedAt = now
		} else if success {
			next.CircuitState = models.CircuitClosed
		}
	}
	return next
}

// Snapshot returns the current HealthRecord for source, for
// diagnostics and metrics surfaces.
func (b *Breaker) Snapshot(ctx context.Context, source string) (models.HealthRecord, error) {
	rec, _, _, err := b.load(ctx, source)
	return rec, err
}
