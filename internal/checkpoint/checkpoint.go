// Package checkpoint implements the watermark manager: load/save of a
// per-(source, product) cursor with monotonicity enforcement,
// corruption detection, and a full-refresh reset path. Two
// interchangeable backends: an atomic local file
// (temp-file-then-rename) and an object-store key, for deployments
// where the ingestion core has no local durable disk.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/models"
	"github.com/schemahub/ingest/internal/objectstore"
)

// Name builds the storage name for a product's watermark, namespaced
// by source so one store can serve several exchange adapters.
func Name(source, productID string) string {
	return source + "/" + productID
}

// Backend persists a single checkpoint blob. Both implementations below
// are atomic: a reader never observes a partially written record.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, bool, error)
	Save(ctx context.Context, name string, data []byte) error
}

// Manager enforces monotonicity and corruption checks on top of a Backend.
type Manager struct {
	backend Backend

	mu    sync.Mutex
	cache map[string]models.Checkpoint
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, cache: make(map[string]models.Checkpoint)}
}

// Load returns the current checkpoint for name, or the zero checkpoint
// if none has ever been saved. A record that fails to parse is
// reported as CheckpointCorrupt rather than silently treated as fresh:
// corruption must halt the run, not restart it from zero and risk
// re-ingesting or skipping data silently.
func (m *Manager) Load(ctx context.Context, name string) (models.Checkpoint, error) {
	raw, found, err := m.backend.Load(ctx, name)
	if err != nil {
		return models.Checkpoint{}, errs.New(errs.KindStoreUnavailable, "checkpoint.load", err)
	}
	if !found {
		return models.Checkpoint{}, nil
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return models.Checkpoint{}, errs.New(errs.KindCheckpointCorrupt, "checkpoint.load", err)
	}
	m.mu.Lock()
	m.cache[name] = cp
	m.mu.Unlock()
	return cp, nil
}

// Save persists cursor as the new checkpoint for name, rejecting any
// attempt to move it backward. Callers that intend a full refresh
// must call Reset first.
func (m *Manager) Save(ctx context.Context, name string, cursor uint64) error {
	m.mu.Lock()
	prev, known := m.cache[name]
	m.mu.Unlock()
	if !known {
		loaded, err := m.Load(ctx, name)
		if err != nil {
			return err
		}
		prev = loaded
	}
	if cursor < prev.Cursor {
		return errs.New(errs.KindNonMonotonic, "checkpoint.save",
			fmt.Errorf("cursor %d is behind current checkpoint %d for %q", cursor, prev.Cursor, name))
	}

	cp := models.Checkpoint{Cursor: cursor, LastUpdated: time.Now()}
	data, err := json.Marshal(cp)
	if err != nil {
		return errs.New(errs.KindClientError, "checkpoint.save", err)
	}
	if err := m.backend.Save(ctx, name, data); err != nil {
		return errs.New(errs.KindStoreUnavailable, "checkpoint.save", err)
	}
	m.mu.Lock()
	m.cache[name] = cp
	m.mu.Unlock()
	return nil
}

// Reset clears the checkpoint for name back to zero, the only sanctioned
// way to move a checkpoint backward (a deliberate full history re-pull).
func (m *Manager) Reset(ctx context.Context, name string) error {
	cp := models.Checkpoint{Cursor: 0, LastUpdated: time.Now()}
	data, err := json.Marshal(cp)
	if err != nil {
		return errs.New(errs.KindClientError, "checkpoint.reset", err)
	}
	if err := m.backend.Save(ctx, name, data); err != nil {
		return errs.New(errs.KindStoreUnavailable, "checkpoint.reset", err)
	}
	m.mu.Lock()
	m.cache[name] = cp
	m.mu.Unlock()
	return nil
}

// FileBackend stores one checkpoint per file under Dir, written
// atomically via a temp file plus rename so a crash mid-write can never
// leave a half-written checkpoint on disk.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.Dir, name+".json")
}

func (f *FileBackend) Load(_ context.Context, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileBackend) Save(_ context.Context, name string, data []byte) error {
	// Checkpoint names are namespaced (source/product), so the parent of
	// the final path may be a subdirectory that doesn't exist yet.
	dir := filepath.Dir(f.path(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path(name))
}

// ObjectStoreBackend stores each checkpoint as a key under Prefix in an
// object store, for deployments with no shared local disk.
type ObjectStoreBackend struct {
	Store  objectstore.Store
	Prefix string
}

func NewObjectStoreBackend(store objectstore.Store, prefix string) *ObjectStoreBackend {
	return &ObjectStoreBackend{Store: store, Prefix: prefix}
}

func (o *ObjectStoreBackend) key(name string) string {
	return fmt.Sprintf("%s/%s.json", o.Prefix, name)
}

func (o *ObjectStoreBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := o.Store.Get(ctx, o.key(name))
	if err == objectstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (o *ObjectStoreBackend) Save(ctx context.Context, name string, data []byte) error {
	return o.Store.Put(ctx, o.key(name), data, "application/json")
}
