// Package lock implements the distributed lock service:
// acquire/renew/release over a conditional KV store, with a background
// heartbeat that keeps the lease alive for the duration of a run. An
// expired lease is claimable by anyone, so a crashed holder's lock
// frees itself without operator intervention.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/kvstore"
	"github.com/schemahub/ingest/internal/models"
)

// ErrHeld is returned by Acquire when another holder currently owns a
// live lease on the resource. It is not a fault: callers are expected
// to back off or skip the resource.
var ErrHeld = errors.New("lock: held by another holder")

// Config controls lease duration and heartbeat cadence.
type Config struct {
	// TTL is how long a lease survives without renewal.
	TTL time.Duration
	// HeartbeatInterval is how often Lease renews itself; defaults to
	// a quarter of TTL so each renewal lands well before the lease
	// would lapse. The first failed renewal marks the lease lost.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.TTL / 4
	}
	return c
}

// Service acquires and renews locks keyed by resource name.
type Service struct {
	store  kvstore.Store
	cfg    Config
	holder string
}

func New(store kvstore.Store, holder string, cfg Config) *Service {
	return &Service{store: store, cfg: cfg.withDefaults(), holder: holder}
}

// Lease is a held lock. Lost is closed if a heartbeat renewal fails,
// meaning the caller no longer holds the resource and must abort.
type Lease struct {
	resource string
	lockID   string
	version  string
	svc      *Service

	mu      sync.Mutex
	lost    chan struct{}
	lostErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// LockID is the opaque identifier recorded against the resource while
// this lease is held.
func (l *Lease) LockID() string { return l.lockID }

// Lost reports a channel that closes when the background heartbeat
// fails to renew, e.g. because the record was stolen out from under us.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// LostErr returns the error that caused Lost to close, valid only
// after Lost has been observed closed.
func (l *Lease) LostErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lostErr
}

func lockKey(resource string) string { return fmt.Sprintf("lock:%s", resource) }

// Acquire attempts to claim resource, starting a background heartbeat
// on success. Returns ErrHeld if another holder's lease is still live.
func (s *Service) Acquire(ctx context.Context, resource string) (*Lease, error) {
	lockID := uuid.NewString()
	rec := models.LockRecord{
		LockID:     lockID,
		TTL:        time.Now().Add(s.cfg.TTL),
		AcquiredAt: time.Now(),
		Holder:     s.holder,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.New(errs.KindClientError, "lock.acquire", err)
	}

	version, err := s.store.PutIfAbsentOrExpired(ctx, lockKey(resource), payload, s.cfg.TTL)
	if errors.Is(err, kvstore.ErrNotAbsent) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "lock.acquire", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		resource: resource,
		lockID:   lockID,
		version:  version,
		svc:      s,
		lost:     make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go lease.heartbeat(hbCtx)
	return lease, nil
}

func (l *Lease) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.svc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(ctx); err != nil {
				l.fail(err)
				return
			}
		}
	}
}

func (l *Lease) renew(ctx context.Context) error {
	rec := models.LockRecord{
		LockID:     l.lockID,
		TTL:        time.Now().Add(l.svc.cfg.TTL),
		AcquiredAt: time.Now(),
		Holder:     l.svc.holder,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errs.New(errs.KindClientError, "lock.renew", err)
	}
	newVer, err := l.svc.store.PutIfMatch(ctx, lockKey(l.resource), l.version, payload, l.svc.cfg.TTL)
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return errs.New(errs.KindLockLost, "lock.renew", err)
	}
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "lock.renew", err)
	}
	l.mu.Lock()
	l.version = newVer
	l.mu.Unlock()
	return nil
}

func (l *Lease) fail(err error) {
	l.mu.Lock()
	l.lostErr = err
	l.mu.Unlock()
	close(l.lost)
}

// Release stops the heartbeat and deletes the lease record, provided
// we still hold it. Safe to call even if the lease was already lost.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done

	select {
	case <-l.lost:
		return nil // already stolen; nothing to release
	default:
	}

	l.mu.Lock()
	version := l.version
	l.mu.Unlock()

	if err := l.svc.store.DeleteIfMatch(ctx, lockKey(l.resource), version); err != nil {
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			return nil
		}
		return errs.New(errs.KindStoreUnavailable, "lock.release", err)
	}
	return nil
}
