package core

import "context"

// Agent is the phase agent port: one call transforms one shard of a phase's
// input into a shard result. Implementations own their retry/backoff policy;
// the core treats a returned error as an irrecoverable shard failure. Calls
// must respect ctx cancellation.
type Agent interface {
	Name() string
	Run(ctx context.Context, in ShardInput) (ShardResult, error)
}

// AgentPool wraps one or more agents and executes a batch of shards.
//
// Contract: RunBatch returns results in the same order inputs were submitted,
// regardless of completion order, so downstream aggregation never depends on
// wall-clock scheduling. On any shard failure it returns a nil slice and an
// *AgentExecutionError naming the failing shard(s).
type AgentPool interface {
	RunBatch(ctx context.Context, inputs []ShardInput) ([]ShardResult, error)
}

// IndexFilter narrows a RunStore listing. Zero value matches everything.
type IndexFilter struct {
	Status RunStatus
}

// IndexEntry is a lightweight listing row for a stored run.
type IndexEntry struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	Records int       `json:"records"`
}

// RunStore persists run state. Persistence is opaque to the core: the core
// never assumes a storage medium and never retries store operations; store
// errors propagate unchanged to the caller.
type RunStore interface {
	Save(run *Run) error
	Load(runID string) (*Run, error)
	ListIndex(filter IndexFilter) ([]IndexEntry, error)
}

// ArtifactStore persists phase outputs. The core holds only the returned
// handle, never the payload, keeping the orchestrator storage-agnostic.
type ArtifactStore interface {
	Write(runID string, data []byte) (string, error)
	Read(runID, handle string) ([]byte, error)
}

// Sink consumes lifecycle and progress events. Implementations must not
// block indefinitely; emission is a suspension point of the orchestrator.
type Sink interface {
	Emit(ev Event)
}

// NoOpSink discards all events. Useful as a default and in tests.
type NoOpSink struct{}

// Emit discards the event.
func (NoOpSink) Emit(Event) {}
