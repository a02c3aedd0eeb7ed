// Package runstore provides implementations of the core.RunStore port.
package runstore

import (
	"fmt"
	"sync"

	"github.com/hupe1980/phasemesh/core"
)

// ErrNotFound is returned when no run exists for the given id.
var ErrNotFound = fmt.Errorf("run not found")

// InMemoryStore is a volatile RunStore implementation storing runs in a
// process local map. It is safe for concurrent access and best suited for
// tests or single-process runs. Each returned run is cloned (indexes rebuilt)
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*core.Run
}

// NewInMemoryStore constructs an empty in-memory run store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]*core.Run)}
}

// Save stores a clone of the provided run snapshot.
func (s *InMemoryStore) Save(run *core.Run) error {
	if run == nil {
		return fmt.Errorf("runstore: nil run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// Load returns a clone of the stored run or ErrNotFound.
func (s *InMemoryStore) Load(runID string) (*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListIndex returns lightweight entries for stored runs matching the filter.
func (s *InMemoryStore) ListIndex(filter core.IndexFilter) ([]core.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]core.IndexEntry, 0, len(s.runs))
	for _, run := range s.runs {
		status := run.GetStatus()
		if filter.Status != "" && status != filter.Status {
			continue
		}
		entries = append(entries, core.IndexEntry{
			RunID:   run.ID,
			Status:  status,
			Records: len(run.RecordsSnapshot()),
		})
	}
	return entries, nil
}
