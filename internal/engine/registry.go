package engine

import (
	"context"
	"fmt"
	"sync"
)

// RecordStore is the host application's handler for one domain record model.
// Record actions never resolve arbitrary type names from step configuration;
// only models registered here can be touched.
type RecordStore interface {
	CreateRecord(ctx context.Context, data map[string]any) (string, error)
	UpdateRecord(ctx context.Context, recordID string, data map[string]any) error
	DeleteRecord(ctx context.Context, recordID string) error
}

// RecordRegistry maps model names to their RecordStore. Registration happens
// at startup; lookups are concurrency safe.
type RecordRegistry struct {
	mu     sync.RWMutex
	stores map[string]RecordStore
}

func NewRecordRegistry() *RecordRegistry {
	return &RecordRegistry{stores: make(map[string]RecordStore)}
}

func (r *RecordRegistry) Register(model string, store RecordStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[model] = store
}

func (r *RecordRegistry) Lookup(model string) (RecordStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[model]
	if !ok {
		return nil, fmt.Errorf("no record store registered for model %q", model)
	}
	return store, nil
}
