package core

import (
	"fmt"
	"time"
)

// EventLevel classifies an event for sink routing.
type EventLevel string

const (
	// LevelInfo marks ordinary lifecycle progress.
	LevelInfo EventLevel = "info"
	// LevelWarn marks recoverable anomalies such as aggregation conflicts.
	LevelWarn EventLevel = "warn"
	// LevelError marks failed invocations.
	LevelError EventLevel = "error"
)

// Lifecycle event names emitted by the core. Each is emitted exactly once per
// corresponding transition.
const (
	EventRunStarted          = "run_started"
	EventPhaseStarted        = "phase_started"
	EventPhaseCompleted      = "phase_completed"
	EventPhaseBlocked        = "phase_blocked"
	EventPhaseInvalidated    = "phase_invalidated"
	EventPhaseFailed         = "phase_failed"
	EventShardCompleted      = "shard_completed"
	EventAggregationConflict = "aggregation_conflict"
)

// Event is a structured lifecycle record handed to the Sink port. After
// emission it must be treated as immutable. The core retains no events beyond
// emission; persistence is the sink's concern.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     EventLevel     `json:"level"`
	Name      string         `json:"name"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase,omitempty"`
	Variant   string         `json:"variant,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a bare event for a run. Prefer the named constructors for
// the guaranteed lifecycle transitions.
func NewEvent(level EventLevel, name, runID string) Event {
	return Event{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Name:      name,
		RunID:     runID,
	}
}

// NewRunStartedEvent marks creation of a run.
func NewRunStartedEvent(runID string) Event {
	e := NewEvent(LevelInfo, EventRunStarted, runID)
	e.Message = "run started"
	return e
}

// NewPhaseStartedEvent marks the Requested -> Running transition.
func NewPhaseStartedEvent(runID, phase, variant string, shards int) Event {
	e := NewEvent(LevelInfo, EventPhaseStarted, runID)
	e.Phase = phase
	e.Variant = variant
	e.Message = fmt.Sprintf("phase %s started", phase)
	e.Data = map[string]any{"shards": shards}
	return e
}

// NewPhaseCompletedEvent marks successful completion and record creation.
func NewPhaseCompletedEvent(runID, phase, variant string, revision int, recordID string) Event {
	e := NewEvent(LevelInfo, EventPhaseCompleted, runID)
	e.Phase = phase
	e.Variant = variant
	e.Message = fmt.Sprintf("phase %s completed at revision %d", phase, revision)
	e.Data = map[string]any{"revision": revision, "record_id": recordID}
	return e
}

// NewPhaseBlockedEvent marks a rejected invocation due to unmet hard
// prerequisites. Reasons name every missing or stale prerequisite.
func NewPhaseBlockedEvent(runID, phase, variant string, reasons []BlockReason) Event {
	e := NewEvent(LevelWarn, EventPhaseBlocked, runID)
	e.Phase = phase
	e.Variant = variant
	e.Message = fmt.Sprintf("phase %s blocked: %s", phase, formatBlockReasons(reasons))
	e.Data = map[string]any{"reasons": reasons}
	return e
}

// NewPhaseInvalidatedEvent marks exactly one false-to-true staleness flip of
// an existing record, referencing the upstream cause.
func NewPhaseInvalidatedEvent(runID string, rec PhaseRunRecord, upstream RevisionKey, oldRev, newRev int) Event {
	e := NewEvent(LevelInfo, EventPhaseInvalidated, runID)
	e.Phase = rec.Phase
	e.Variant = rec.Variant
	e.Message = fmt.Sprintf("phase %s revision %d invalidated by %s rev %d->%d", rec.Phase, rec.Revision, upstream, oldRev, newRev)
	e.Data = map[string]any{
		"record_id":        rec.ID,
		"revision":         rec.Revision,
		"upstream_phase":   upstream.Phase,
		"upstream_variant": upstream.Variant,
		"upstream_old_rev": oldRev,
		"upstream_new_rev": newRev,
	}
	return e
}

// NewPhaseFailedEvent marks a failed invocation. No record is created for a
// failed phase; the event carries the error context instead.
func NewPhaseFailedEvent(runID, phase, variant, reason string, err error) Event {
	e := NewEvent(LevelError, EventPhaseFailed, runID)
	e.Phase = phase
	e.Variant = variant
	e.Message = fmt.Sprintf("phase %s failed: %s", phase, reason)
	e.Data = map[string]any{"reason": reason}
	if err != nil {
		e.Data["error"] = err.Error()
	}
	return e
}

// NewShardCompletedEvent is a progress update for one shard of a fanned-out
// phase. Additive to the guaranteed lifecycle set. Run, phase and variant
// identifiers are stamped by PhaseContext.Emit.
func NewShardCompletedEvent(shard, total int) Event {
	e := NewEvent(LevelInfo, EventShardCompleted, "")
	e.Message = fmt.Sprintf("shard %d/%d completed", shard+1, total)
	e.Data = map[string]any{"shard": shard, "total": total}
	return e
}

// NewAggregationConflictEvent logs a resolved merge conflict: two shards
// wrote different payloads for the same unit key and submission order won.
// Run, phase and variant identifiers are stamped by PhaseContext.Emit.
func NewAggregationConflictEvent(key string, keptShard, droppedShard int) Event {
	e := NewEvent(LevelWarn, EventAggregationConflict, "")
	e.Message = fmt.Sprintf("conflict on %q: kept shard %d, dropped shard %d", key, keptShard, droppedShard)
	e.Data = map[string]any{"key": key, "kept_shard": keptShard, "dropped_shard": droppedShard}
	return e
}

func formatBlockReasons(reasons []BlockReason) string {
	if len(reasons) == 0 {
		return "unknown"
	}
	s := ""
	for i, r := range reasons {
		if i > 0 {
			s += "; "
		}
		s += r.String()
	}
	return s
}
