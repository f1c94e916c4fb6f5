package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Store used by other packages' tests so they
// don't need a live S3-compatible endpoint.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

var _ Store = (*Fake)(nil)

func (f *Fake) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	return nil
}

func (f *Fake) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	if _, ok := f.objects[key]; ok {
		f.mu.Unlock()
		return ErrAlreadyExists
	}
	f.mu.Unlock()
	return f.Put(ctx, key, data, contentType)
}

func (f *Fake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (f *Fake) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
