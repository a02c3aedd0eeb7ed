package artifact

import (
	"sync"

	"github.com/hupe1980/phasemesh/core"
)

// InMemoryStore is a trivial in-process ArtifactStore implementation useful
// for tests, examples and single-process runs. It keeps all artifacts in a
// nested map guarded by an RWMutex. Data is copied on write / read to avoid
// accidental external mutation of internal buffers.
//
// Layout: runID -> handle -> raw bytes
//
// This implementation is intentionally minimal; it does not enforce retention
// limits, size quotas, or eviction. For production, prefer a durable
// implementation that can scale and survive process restarts.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte // runID -> handle -> data
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Write stores the artifact bytes for the given run and returns a fresh
// handle. The input slice is copied before storage.
func (a *InMemoryStore) Write(runID string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.artifacts[runID]; !exists {
		a.artifacts[runID] = make(map[string][]byte)
	}
	handle := core.NewID()
	cp := make([]byte, len(data))
	copy(cp, data)
	a.artifacts[runID][handle] = cp
	return handle, nil
}

// Read returns a copy of the stored artifact bytes or ErrNotFound.
func (a *InMemoryStore) Read(runID, handle string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.artifacts[runID]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := m[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
