package revision

import (
	"sync"
	"testing"

	"github.com/hupe1980/phasemesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []core.Event
}

func (m *memorySink) Emit(ev core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memorySink) named(name string) []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Event
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func appendRecord(t *testing.T, run *core.Run, phase, variant string, revision int, deps []core.Dependency) core.PhaseRunRecord {
	t.Helper()
	rec, err := core.NewPhaseRunRecord(phase, variant, revision, deps, "artifact")
	require.NoError(t, err)
	require.NoError(t, run.AppendRecord(rec))
	return rec
}

func TestNextRevision_StartsAtOneAndIncrements(t *testing.T) {
	tracker := New()
	run := core.NewRun("cfg")

	assert.Equal(t, 1, tracker.NextRevision(run, "ingest", ""))
	appendRecord(t, run, "ingest", "", 1, nil)
	assert.Equal(t, 2, tracker.NextRevision(run, "ingest", ""))
	appendRecord(t, run, "ingest", "", 2, nil)
	assert.Equal(t, 3, tracker.NextRevision(run, "ingest", ""))
}

func TestCaptureDependencies_OrderedAndNeverNil(t *testing.T) {
	tracker := New()
	deps := tracker.CaptureDependencies(nil)
	assert.NotNil(t, deps)
	assert.Len(t, deps, 0)

	consumed := []core.PhaseRunRecord{
		{Phase: "ingest", Revision: 2},
		{Phase: "context", Variant: "de", Revision: 1},
	}
	deps = tracker.CaptureDependencies(consumed)
	require.Len(t, deps, 2)
	assert.Equal(t, core.Dependency{Phase: "ingest", Revision: 2}, deps[0])
	assert.Equal(t, core.Dependency{Phase: "context", Variant: "de", Revision: 1}, deps[1])
}

func TestPropagateStaleness_FlipsDownstreamExactlyOnce(t *testing.T) {
	sink := &memorySink{}
	tracker := New(func(o *Options) { o.Sink = sink })
	run := core.NewRun("cfg")

	appendRecord(t, run, "ingest", "", 1, nil)
	translate := appendRecord(t, run, "translate", "de", 1, []core.Dependency{{Phase: "ingest", Revision: 1}})
	ingest2 := appendRecord(t, run, "ingest", "", 2, nil)

	stale := tracker.PropagateStaleness(run, ingest2)
	require.Equal(t, []string{translate.ID}, stale)

	rec, ok := run.LatestRecord("translate", "de")
	require.True(t, ok)
	assert.True(t, rec.Stale)

	// Exactly one invalidation event referencing the upstream cause.
	events := sink.named(core.EventPhaseInvalidated)
	require.Len(t, events, 1)
	assert.Equal(t, "translate", events[0].Phase)
	assert.Equal(t, "ingest", events[0].Data["upstream_phase"])
	assert.Equal(t, 1, events[0].Data["upstream_old_rev"])
	assert.Equal(t, 2, events[0].Data["upstream_new_rev"])

	// Re-checking is idempotent: no flips, no duplicate events.
	stale = tracker.PropagateStaleness(run, ingest2)
	assert.Empty(t, stale)
	assert.Len(t, sink.named(core.EventPhaseInvalidated), 1)
}

func TestPropagateStaleness_IgnoresUnrelatedAndCurrentRecords(t *testing.T) {
	sink := &memorySink{}
	tracker := New(func(o *Options) { o.Sink = sink })
	run := core.NewRun("cfg")

	appendRecord(t, run, "ingest", "", 1, nil)
	appendRecord(t, run, "context", "", 1, []core.Dependency{{Phase: "ingest", Revision: 1}})
	ingest2 := appendRecord(t, run, "ingest", "", 2, nil)
	// Built against the new revision already; must not be invalidated.
	fresh := appendRecord(t, run, "translate", "de", 1, []core.Dependency{{Phase: "ingest", Revision: 2}})

	stale := tracker.PropagateStaleness(run, ingest2)
	require.Len(t, stale, 1)
	assert.NotContains(t, stale, fresh.ID)

	rec, ok := run.LatestRecord("translate", "de")
	require.True(t, ok)
	assert.False(t, rec.Stale)
}

func TestPropagateStaleness_EachUpstreamChangeOwnPass(t *testing.T) {
	sink := &memorySink{}
	tracker := New(func(o *Options) { o.Sink = sink })
	run := core.NewRun("cfg")

	appendRecord(t, run, "ingest", "", 1, nil)
	appendRecord(t, run, "translate", "de", 1, []core.Dependency{{Phase: "ingest", Revision: 1}})
	appendRecord(t, run, "qa", "de", 1, []core.Dependency{{Phase: "translate", Variant: "de", Revision: 1}})

	// ingest rev 2 invalidates translate but not qa (qa depends on translate,
	// whose revision did not change).
	ingest2 := appendRecord(t, run, "ingest", "", 2, nil)
	stale := tracker.PropagateStaleness(run, ingest2)
	require.Len(t, stale, 1)

	// Re-running translate (rev 2) triggers its own pass invalidating qa.
	translate2 := appendRecord(t, run, "translate", "de", 2, []core.Dependency{{Phase: "ingest", Revision: 2}})
	stale = tracker.PropagateStaleness(run, translate2)
	require.Len(t, stale, 1)

	qa, ok := run.LatestRecord("qa", "de")
	require.True(t, ok)
	assert.True(t, qa.Stale)
	assert.Len(t, sink.named(core.EventPhaseInvalidated), 2)
}
