package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus describes the overall state of a Run.
type RunStatus string

const (
	// RunStatusPending means the run exists but no phase has been invoked yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means a phase invocation is currently executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusBlocked means the most recent invocation was rejected by
	// dependency gating.
	RunStatusBlocked RunStatus = "blocked"
	// RunStatusCompleted means the most recent invocation completed successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the most recent invocation failed.
	RunStatusFailed RunStatus = "failed"
)

// Dependency is a reference from one phase record to the (phase, variant,
// revision) it was built from. A record is stale if any referenced
// dependency's current revision differs from the one captured here.
type Dependency struct {
	Phase    string `json:"phase"`
	Variant  string `json:"variant,omitempty"`
	Revision int    `json:"revision"`
}

// PhaseRunRecord is one successful invocation of a phase. Records are
// append-only: after creation the only permitted mutation is flipping the
// staleness flag from false to true, exactly once, via Run.MarkStale.
type PhaseRunRecord struct {
	ID           string       `json:"id"`
	Phase        string       `json:"phase"`
	Variant      string       `json:"variant,omitempty"`
	Revision     int          `json:"revision"`
	Dependencies []Dependency `json:"dependencies"`
	Stale        bool         `json:"stale"`
	CompletedAt  time.Time    `json:"completed_at"`
	ArtifactID   string       `json:"artifact_id"`
}

// NewPhaseRunRecord validates and constructs an immutable phase run record.
// A nil dependency slice is normalized to an explicit empty list so that
// "no dependencies" stays distinguishable from "not yet computed". Invalid
// states (empty phase, revision < 1) are rejected at construction.
func NewPhaseRunRecord(phase, variant string, revision int, deps []Dependency, artifactID string) (PhaseRunRecord, error) {
	if phase == "" {
		return PhaseRunRecord{}, fmt.Errorf("phase run record: phase must not be empty")
	}
	if revision < 1 {
		return PhaseRunRecord{}, fmt.Errorf("phase run record: revision must be >= 1, got %d", revision)
	}
	cp := make([]Dependency, len(deps))
	copy(cp, deps)
	return PhaseRunRecord{
		ID:           NewID(),
		Phase:        phase,
		Variant:      variant,
		Revision:     revision,
		Dependencies: cp,
		Stale:        false,
		CompletedAt:  time.Now().UTC(),
		ArtifactID:   artifactID,
	}, nil
}

// Key returns the (phase, variant) pair identifying this record's revision line.
func (r PhaseRunRecord) Key() RevisionKey { return RevisionKey{Phase: r.Phase, Variant: r.Variant} }

// DependsOn reports whether the record references (phase, variant) and, if so,
// the captured revision.
func (r PhaseRunRecord) DependsOn(phase, variant string) (int, bool) {
	for _, d := range r.Dependencies {
		if d.Phase == phase && d.Variant == variant {
			return d.Revision, true
		}
	}
	return 0, false
}

// RevisionKey identifies an independent revision line.
type RevisionKey struct {
	Phase   string
	Variant string
}

func (k RevisionKey) String() string {
	if k.Variant == "" {
		return k.Phase
	}
	return k.Phase + "/" + k.Variant
}

// Run is the top-level execution context for one project. It owns an ordered,
// append-only history of phase run records plus derived indexes (record id
// set, per-(phase,variant) revision counters) that keep revision assignment
// O(1). It is safe for concurrent access.
//
// Contract:
//   - Records are never removed; AppendRecord enforces id uniqueness and
//     strict revision monotonicity (StateConsistencyError on violation)
//   - MarkStale flips a record's staleness exactly once
//   - Clone performs a deep copy and rebuilds indexes, so a loaded or cloned
//     Run is immediately usable
type Run struct {
	ID        string           `json:"id"`
	Status    RunStatus        `json:"status"`
	Created   time.Time        `json:"created"`
	ConfigRef string           `json:"config_ref,omitempty"`
	Records   []PhaseRunRecord `json:"records"`

	mu        sync.RWMutex
	recordIDs map[string]struct{}
	revisions map[RevisionKey]int
}

// NewRun creates a new pending run with a time-ordered unique identifier.
func NewRun(configRef string) *Run {
	r := &Run{
		ID:        NewID(),
		Status:    RunStatusPending,
		Created:   time.Now().UTC(),
		ConfigRef: configRef,
		Records:   []PhaseRunRecord{},
	}
	r.rebuildIndexLocked()
	return r
}

// NewID generates a time-ordered (UUIDv7) globally unique identifier. Falls
// back to a random UUID if the monotonic source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RebuildIndex recomputes the derived record-id set and revision counters by
// scanning the history. Store implementations must call this after
// deserializing a Run, since the indexes are not persisted.
func (r *Run) RebuildIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildIndexLocked()
}

func (r *Run) rebuildIndexLocked() {
	r.recordIDs = make(map[string]struct{}, len(r.Records))
	r.revisions = make(map[RevisionKey]int)
	for _, rec := range r.Records {
		r.recordIDs[rec.ID] = struct{}{}
		if rec.Revision > r.revisions[rec.Key()] {
			r.revisions[rec.Key()] = rec.Revision
		}
	}
}

// NextRevision returns the revision number the next successful record for
// (phase, variant) must carry: max(existing)+1, or 1 when none exist.
func (r *Run) NextRevision(phase, variant string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revisions[RevisionKey{Phase: phase, Variant: variant}] + 1
}

// AppendRecord appends a successfully completed phase record to the history.
// It enforces the run-wide invariants: unique record id and strictly
// increasing revisions per (phase, variant). Violations indicate a
// programming or storage-corruption defect and surface as
// StateConsistencyError.
func (r *Run) AppendRecord(rec PhaseRunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.recordIDs[rec.ID]; exists {
		return &StateConsistencyError{Reason: fmt.Sprintf("duplicate phase run id %s", rec.ID)}
	}
	if rec.Dependencies == nil {
		return &StateConsistencyError{Reason: fmt.Sprintf("record %s has nil dependency list", rec.ID)}
	}
	current := r.revisions[rec.Key()]
	if rec.Revision <= current {
		return &StateConsistencyError{Reason: fmt.Sprintf("revision collision for %s: have %d, got %d", rec.Key(), current, rec.Revision)}
	}
	r.Records = append(r.Records, rec)
	r.recordIDs[rec.ID] = struct{}{}
	r.revisions[rec.Key()] = rec.Revision
	return nil
}

// LatestRecord returns the highest-revision record for (phase, variant),
// whether or not it is stale. The boolean reports existence.
func (r *Run) LatestRecord(phase, variant string) (PhaseRunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best PhaseRunRecord
	found := false
	for _, rec := range r.Records {
		if rec.Phase == phase && rec.Variant == variant && (!found || rec.Revision > best.Revision) {
			best = rec
			found = true
		}
	}
	return best, found
}

// MarkStale flips the staleness flag of the identified record. It returns
// true only on the false-to-true transition; re-checking an already-stale or
// unknown record is a no-op returning false.
func (r *Run) MarkStale(recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Records {
		if r.Records[i].ID == recordID {
			if r.Records[i].Stale {
				return false
			}
			r.Records[i].Stale = true
			return true
		}
	}
	return false
}

// SetStatus updates the overall run status.
func (r *Run) SetStatus(s RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = s
}

// GetStatus returns the current overall run status.
func (r *Run) GetStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// RecordsSnapshot returns a defensive copy of the full record history in
// append order.
func (r *Run) RecordsSnapshot() []PhaseRunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]PhaseRunRecord, len(r.Records))
	copy(recs, r.Records)
	return recs
}

// Clone returns a deep copy of the run with rebuilt indexes, safe for
// independent mutation.
func (r *Run) Clone() *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Run{
		ID:        r.ID,
		Status:    r.Status,
		Created:   r.Created,
		ConfigRef: r.ConfigRef,
		Records:   make([]PhaseRunRecord, len(r.Records)),
	}
	for i, rec := range r.Records {
		deps := make([]Dependency, len(rec.Dependencies))
		copy(deps, rec.Dependencies)
		rec.Dependencies = deps
		clone.Records[i] = rec
	}
	clone.rebuildIndexLocked()
	return clone
}
