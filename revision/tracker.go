// Package revision assigns revision numbers to successful phase outputs and
// propagates staleness to downstream records when an upstream revision
// changes.
package revision

import (
	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/logging"
)

// Options configures a Tracker.
type Options struct {
	// Sink receives one phase_invalidated event per staleness flip.
	Sink core.Sink
	// Logger for invalidation diagnostics.
	Logger logging.Logger
}

// Tracker implements revision assignment and staleness propagation over a
// run's history. It holds no per-run state of its own; all state lives on the
// Run, so one Tracker may serve many runs.
type Tracker struct {
	sink   core.Sink
	logger logging.Logger
}

// New constructs a Tracker with optional overrides.
func New(optFns ...func(o *Options)) *Tracker {
	opts := Options{
		Sink:   core.NoOpSink{},
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Tracker{sink: opts.Sink, logger: opts.Logger}
}

// NextRevision returns the revision the next successful record for
// (phase, variant) must carry. Backed by the run's maintained counter; the
// scan fallback happens only when a run is rebuilt from storage
// (Run.RebuildIndex).
func (t *Tracker) NextRevision(run *core.Run, phase, variant string) int {
	return run.NextRevision(phase, variant)
}

// CaptureDependencies snapshots the consumed upstream records as an ordered
// dependency list: each (phase, variant) pair with its revision at time of
// read. Soft dependencies appear only if actually consumed; the result is
// never nil, so "no dependencies" stays an explicit empty list.
func (t *Tracker) CaptureDependencies(consumed []core.PhaseRunRecord) []core.Dependency {
	deps := make([]core.Dependency, 0, len(consumed))
	for _, rec := range consumed {
		deps = append(deps, core.Dependency{Phase: rec.Phase, Variant: rec.Variant, Revision: rec.Revision})
	}
	return deps
}

// PropagateStaleness marks every existing record whose dependency list
// references the changed record's (phase, variant) with a revision lower than
// the new one. Each false-to-true flip emits exactly one phase_invalidated
// event referencing the upstream cause; already-stale records are skipped
// without re-emission, making repeated calls idempotent.
//
// The implementation is a full scan of run history per invalidation event.
// Histories are bounded by phase count times re-run count, so the scan is
// acceptable; an incremental index may replace it as long as the observable
// invalidation set is unchanged. A single scan reaches the fixed point for
// one upstream change because flipping staleness mints no new revisions;
// callers invoke this once per newly created record.
func (t *Tracker) PropagateStaleness(run *core.Run, changed core.PhaseRunRecord) []string {
	upstream := changed.Key()
	var newlyStale []string
	for _, rec := range run.RecordsSnapshot() {
		if rec.ID == changed.ID || rec.Stale {
			continue
		}
		capturedRev, ok := rec.DependsOn(upstream.Phase, upstream.Variant)
		if !ok || capturedRev >= changed.Revision {
			continue
		}
		if !run.MarkStale(rec.ID) {
			continue
		}
		newlyStale = append(newlyStale, rec.ID)
		t.logger.Info("record invalidated",
			"record_id", rec.ID,
			"phase", rec.Phase,
			"variant", rec.Variant,
			"upstream", upstream.String(),
			"upstream_old_rev", capturedRev,
			"upstream_new_rev", changed.Revision,
		)
		t.sink.Emit(core.NewPhaseInvalidatedEvent(run.ID, rec, upstream, capturedRev, changed.Revision))
	}
	return newlyStale
}
