package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/phasemesh/logging"
)

// PhaseContext carries the execution scope of a single phase invocation:
// the ambient cancellation Context, identifiers (run, phase, variant), and
// the backing ports (run store, artifact store, sink). It replaces any
// process-wide registry; every operation receives its context explicitly.
//
// Emission through Emit stamps run/phase/variant onto events that lack them,
// so components deeper in the call tree never need the identifiers.
type PhaseContext struct {
	Context context.Context
	RunID   string
	Phase   string
	Variant string

	RunStore      RunStore
	ArtifactStore ArtifactStore
	Sink          Sink

	*loggerAdapter
}

// NewPhaseContext constructs a PhaseContext. A nil sink is substituted with
// NoOpSink and a nil logger with the NoOp logger.
func NewPhaseContext(
	ctx context.Context,
	runID, phase, variant string,
	runStore RunStore,
	artifactStore ArtifactStore,
	sink Sink,
	logger logging.Logger,
) *PhaseContext {
	if sink == nil {
		sink = NoOpSink{}
	}
	return &PhaseContext{
		Context:       ctx,
		RunID:         runID,
		Phase:         phase,
		Variant:       variant,
		RunStore:      runStore,
		ArtifactStore: artifactStore,
		Sink:          sink,
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (pc *PhaseContext) Done() <-chan struct{} { return pc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (pc *PhaseContext) Err() error { return pc.Context.Err() }

// Emit stamps missing identifiers onto ev and hands it to the sink.
func (pc *PhaseContext) Emit(ev Event) {
	if ev.RunID == "" {
		ev.RunID = pc.RunID
	}
	if ev.Phase == "" {
		ev.Phase = pc.Phase
	}
	if ev.Variant == "" {
		ev.Variant = pc.Variant
	}
	pc.Sink.Emit(ev)
}

// WriteArtifact stores bytes in the ArtifactStore and returns the handle.
func (pc *PhaseContext) WriteArtifact(data []byte) (string, error) {
	if pc.ArtifactStore == nil {
		return "", fmt.Errorf("artifact store not configured")
	}
	return pc.ArtifactStore.Write(pc.RunID, data)
}

// ReadArtifact retrieves previously stored artifact bytes by handle.
func (pc *PhaseContext) ReadArtifact(handle string) ([]byte, error) {
	if pc.ArtifactStore == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return pc.ArtifactStore.Read(pc.RunID, handle)
}
