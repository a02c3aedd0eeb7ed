package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hupe1980/phasemesh/agent"
	"github.com/hupe1980/phasemesh/artifact"
	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/graph"
	"github.com/hupe1980/phasemesh/runstore"
	"github.com/hupe1980/phasemesh/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoAgent passes units through unchanged.
func echoAgent(name string) core.Agent {
	return agent.NewFunctionAgent(name, func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		return core.ShardResult{Shard: in.Shard, Units: in.Units}, nil
	})
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *sink.MemorySink) {
	t.Helper()
	events := sink.NewMemorySink()
	o, err := New(func(o *Options) {
		o.Sink = events
	})
	require.NoError(t, err)
	o.RegisterDefaultPool(mustPool(t, echoAgent("echo")))
	return o, events
}

func mustPool(t *testing.T, a core.Agent) core.AgentPool {
	t.Helper()
	pool, err := agent.Single(a, 4)
	require.NoError(t, err)
	return pool
}

func units(keys ...string) []core.Unit {
	out := make([]core.Unit, len(keys))
	for i, k := range keys {
		out[i] = core.Unit{Key: k, Payload: "payload " + k}
	}
	return out
}

func TestNew_EmitsRunStartedOnce(t *testing.T) {
	events := sink.NewMemorySink()
	o, err := New(func(o *Options) { o.Sink = events })
	require.NoError(t, err)

	assert.Len(t, events.Named(core.EventRunStarted), 1)
	assert.Equal(t, core.RunStatusPending, o.Status())
}

func TestOpen_ResumesWithoutRunStarted(t *testing.T) {
	store := runstore.NewInMemoryStore()
	o, err := New(func(o *Options) { o.RunStore = store })
	require.NoError(t, err)

	events := sink.NewMemorySink()
	reopened, err := Open(o.RunID(), func(op *Options) {
		op.RunStore = store
		op.Sink = events
	})
	require.NoError(t, err)
	assert.Equal(t, o.RunID(), reopened.RunID())
	assert.Empty(t, events.Named(core.EventRunStarted))
}

func TestOpen_UnknownRun(t *testing.T) {
	_, err := Open("missing")
	assert.ErrorIs(t, err, runstore.ErrNotFound)
}

func TestRunPhase_BlockedCreatesNoRecord(t *testing.T) {
	o, events := newTestOrchestrator(t)

	_, err := o.RunPhase(context.Background(), graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})

	var blocked *core.PhaseBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, graph.PhaseTranslate, blocked.Phase)
	require.Len(t, blocked.Reasons, 1)
	assert.Equal(t, graph.PhaseIngest, blocked.Reasons[0].Phase)
	assert.Equal(t, core.BlockReasonMissing, blocked.Reasons[0].Reason)

	assert.Empty(t, o.Snapshot().RecordsSnapshot())
	assert.Len(t, events.Named(core.EventPhaseBlocked), 1)
	assert.Empty(t, events.Named(core.EventPhaseStarted))
	assert.Equal(t, core.RunStatusBlocked, o.Status())
}

// saveFailingStore delegates to the wrapped store until armed, then fails
// every Save.
type saveFailingStore struct {
	core.RunStore
	fail bool
}

func (s *saveFailingStore) Save(run *core.Run) error {
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	return s.RunStore.Save(run)
}

func TestRunPhase_BlockedReasonsSurviveSaveFailure(t *testing.T) {
	store := &saveFailingStore{RunStore: runstore.NewInMemoryStore()}
	o, err := New(func(o *Options) { o.RunStore = store })
	require.NoError(t, err)
	o.RegisterDefaultPool(mustPool(t, echoAgent("echo")))
	store.fail = true

	_, err = o.RunPhase(context.Background(), graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})

	var blocked *core.PhaseBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.Reasons, 1)
	assert.Equal(t, graph.PhaseIngest, blocked.Reasons[0].Phase)
	assert.Equal(t, core.BlockReasonMissing, blocked.Reasons[0].Reason)
}

func TestRunPhase_UnknownPhase(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.RunPhase(context.Background(), "compile", "")
	assert.ErrorContains(t, err, "unknown phase")
}

func TestRunPhase_NoPoolRegistered(t *testing.T) {
	events := sink.NewMemorySink()
	o, err := New(func(o *Options) { o.Sink = events })
	require.NoError(t, err)

	_, err = o.RunPhase(context.Background(), graph.PhaseIngest, "")
	assert.ErrorContains(t, err, "no agent pool registered")
	// Validation errors have no side effects.
	assert.Empty(t, events.Named(core.EventPhaseStarted))
	assert.Empty(t, events.Named(core.EventPhaseFailed))
}

func TestRunPhase_SuccessCreatesRecordAndArtifact(t *testing.T) {
	o, events := newTestOrchestrator(t)

	rec, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1", "line_2")
	})
	require.NoError(t, err)

	assert.Equal(t, graph.PhaseIngest, rec.Phase)
	assert.Equal(t, 1, rec.Revision)
	assert.NotNil(t, rec.Dependencies)
	assert.Empty(t, rec.Dependencies)
	assert.NotEmpty(t, rec.ArtifactID)
	assert.Equal(t, core.RunStatusCompleted, o.Status())

	require.Len(t, events.Named(core.EventPhaseStarted), 1)
	completed := events.Named(core.EventPhaseCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Data["revision"])
	assert.Equal(t, rec.ID, completed[0].Data["record_id"])

	// Shard progress events carry the invocation identifiers.
	progress := events.Named(core.EventShardCompleted)
	require.Len(t, progress, 1)
	assert.Equal(t, o.RunID(), progress[0].RunID)
	assert.Equal(t, graph.PhaseIngest, progress[0].Phase)
}

func TestRunPhase_RevisionsStrictlyIncrease(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	for want := 1; want <= 3; want++ {
		rec, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
			po.Units = units("line_1")
		})
		require.NoError(t, err)
		assert.Equal(t, want, rec.Revision)
	}
}

func TestRunPhase_CapturesUpstreamDependencies(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	ingest, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	translate, err := o.RunPhase(context.Background(), graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	require.Len(t, translate.Dependencies, 1)
	assert.Equal(t, core.Dependency{Phase: graph.PhaseIngest, Revision: ingest.Revision}, translate.Dependencies[0])
}

func TestRunPhase_UpstreamArtifactsReachAgents(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var seen map[string][]byte
	capture := agent.NewFunctionAgent("capture", func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		seen = in.Upstream
		return core.ShardResult{Shard: in.Shard, Units: in.Units}, nil
	})
	o.RegisterPool(graph.PhaseTranslate, mustPool(t, capture))

	_, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	_, err = o.RunPhase(context.Background(), graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	require.Contains(t, seen, graph.PhaseIngest)
	out, err := core.UnmarshalOutput(seen[graph.PhaseIngest])
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	assert.Equal(t, "line_1", out.Units[0].Key)
}

func TestRunPhase_StalenessFlipsExactlyOnce(t *testing.T) {
	o, events := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	translate, err := o.RunPhase(ctx, graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	// Re-running ingest mints revision 2 and invalidates the translate record.
	_, err = o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	rec, ok := o.Snapshot().LatestRecord(graph.PhaseTranslate, "de")
	require.True(t, ok)
	assert.True(t, rec.Stale)

	invalidated := events.Named(core.EventPhaseInvalidated)
	require.Len(t, invalidated, 1)
	assert.Equal(t, translate.ID, invalidated[0].Data["record_id"])
	assert.Equal(t, graph.PhaseIngest, invalidated[0].Data["upstream_phase"])
	assert.Equal(t, 1, invalidated[0].Data["upstream_old_rev"])
	assert.Equal(t, 2, invalidated[0].Data["upstream_new_rev"])

	// Translate is now blocked on the stale prerequisite.
	_, err = o.RunPhase(ctx, graph.PhaseQA, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	var blocked *core.PhaseBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, core.BlockReasonStale, blocked.Reasons[0].Reason)
}

func TestRunPhase_ShardFailureFailsWholePhase(t *testing.T) {
	o, events := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1", "line_2", "line_3")
	})
	require.NoError(t, err)

	flaky := agent.NewFunctionAgent("flaky", func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		if in.Shard == 2 {
			return core.ShardResult{}, fmt.Errorf("model unavailable")
		}
		return core.ShardResult{Shard: in.Shard, Units: in.Units}, nil
	})
	o.RegisterPool(graph.PhaseTranslate, mustPool(t, flaky))

	before := len(o.Snapshot().RecordsSnapshot())
	_, err = o.RunPhase(ctx, graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Shards = [][]core.Unit{units("line_1"), units("line_2"), units("line_3")}
	})

	var execErr *core.AgentExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []int{2}, execErr.FailedShards())

	// No partial record.
	assert.Len(t, o.Snapshot().RecordsSnapshot(), before)
	assert.Equal(t, core.RunStatusFailed, o.Status())

	failed := events.Named(core.EventPhaseFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonAgentExecution, failed[0].Data["reason"])
	assert.Equal(t, []int{2}, failed[0].Data["failed_shards"])
	assert.True(t, strings.Contains(failed[0].Data["error"].(string), "shard 2"))
}

func TestRunPhase_CancelledReason(t *testing.T) {
	o, events := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	blocker := agent.NewFunctionAgent("blocker", func(ctx context.Context, in core.ShardInput) (core.ShardResult, error) {
		o.Cancel()
		<-ctx.Done()
		return core.ShardResult{}, ctx.Err()
	})
	o.RegisterPool(graph.PhaseTranslate, mustPool(t, blocker))

	before := len(o.Snapshot().RecordsSnapshot())
	_, err = o.RunPhase(ctx, graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))

	assert.Len(t, o.Snapshot().RecordsSnapshot(), before)
	failed := events.Named(core.EventPhaseFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonCancelled, failed[0].Data["reason"])
}

func TestRunPhase_AggregationConflictResolvedBySubmissionOrder(t *testing.T) {
	events := sink.NewMemorySink()
	artifacts := artifact.NewInMemoryStore()
	o, err := New(func(o *Options) {
		o.Sink = events
		o.ArtifactStore = artifacts
	})
	require.NoError(t, err)
	o.RegisterDefaultPool(mustPool(t, echoAgent("echo")))
	ctx := context.Background()

	_, err = o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("scene_7")
	})
	require.NoError(t, err)

	summarizer := agent.NewFunctionAgent("summarizer", func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		return core.ShardResult{Shard: in.Shard, Units: []core.Unit{
			{Key: "scene_7", Payload: fmt.Sprintf("summary from shard %d", in.Shard)},
		}}, nil
	})
	o.RegisterPool(graph.PhaseContext, mustPool(t, summarizer))

	rec, err := o.RunPhase(ctx, graph.PhaseContext, "", func(po *PhaseOptions) {
		po.Shards = [][]core.Unit{units("scene_7"), units("scene_7")}
	})
	require.NoError(t, err)

	conflicts := events.Named(core.EventAggregationConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, o.RunID(), conflicts[0].RunID)
	assert.Equal(t, graph.PhaseContext, conflicts[0].Phase)
	assert.Equal(t, "scene_7", conflicts[0].Data["key"])
	assert.Equal(t, 0, conflicts[0].Data["kept_shard"])
	assert.Equal(t, 1, conflicts[0].Data["dropped_shard"])

	// The persisted output keeps the first writer's payload.
	data, err := artifacts.Read(o.RunID(), rec.ArtifactID)
	require.NoError(t, err)
	out, err := core.UnmarshalOutput(data)
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	assert.Equal(t, "summary from shard 0", out.Units[0].Payload)
}

func TestRegisterAgent_TakesPrecedenceOverDefaultPool(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	upper := agent.NewFunctionAgent("upper", func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		out := make([]core.Unit, len(in.Units))
		for i, u := range in.Units {
			out[i] = core.Unit{Key: u.Key, Payload: strings.ToUpper(u.Payload)}
		}
		return core.ShardResult{Shard: in.Shard, Units: out}, nil
	})
	require.NoError(t, o.RegisterAgent(graph.PhaseIngest, upper, 2))

	rec, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Revision)
}

func TestRunPhase_FailOnConflict(t *testing.T) {
	events := sink.NewMemorySink()
	o, err := New(func(o *Options) {
		o.Sink = events
		o.FailOnConflict = true
	})
	require.NoError(t, err)
	o.RegisterDefaultPool(mustPool(t, echoAgent("echo")))

	_, err = o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("scene_7")
	})
	require.NoError(t, err)

	conflicting := agent.NewFunctionAgent("conflicting", func(_ context.Context, in core.ShardInput) (core.ShardResult, error) {
		return core.ShardResult{Shard: in.Shard, Units: []core.Unit{
			{Key: "scene_7", Payload: fmt.Sprintf("summary %d", in.Shard)},
		}}, nil
	})
	o.RegisterPool(graph.PhaseContext, mustPool(t, conflicting))

	_, err = o.RunPhase(context.Background(), graph.PhaseContext, "", func(po *PhaseOptions) {
		po.Shards = [][]core.Unit{units("scene_7"), units("scene_7")}
	})

	var conflictErr *core.AggregationConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "scene_7", conflictErr.Key)

	failed := events.Named(core.EventPhaseFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonAggregationConflict, failed[0].Data["reason"])
}

func TestRunPhase_PersistsAcrossReopen(t *testing.T) {
	store := runstore.NewInMemoryStore()
	o, err := New(func(o *Options) { o.RunStore = store })
	require.NoError(t, err)
	o.RegisterDefaultPool(mustPool(t, echoAgent("echo")))

	rec, err := o.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	reopened, err := Open(o.RunID(), func(op *Options) { op.RunStore = store })
	require.NoError(t, err)
	reopened.RegisterDefaultPool(mustPool(t, echoAgent("echo")))

	// The reopened run continues the revision line.
	again, err := reopened.RunPhase(context.Background(), graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)
	assert.Equal(t, rec.Revision+1, again.Revision)
}

func TestRunPlan_StopsAtFirstBlockedStep(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	records, err := o.RunPlan(context.Background(), []PlanStep{
		{Phase: graph.PhaseIngest, Units: units("line_1")},
		{Phase: graph.PhaseTranslate, Variant: "de", Units: units("line_1")},
		// qa depends on translate for variant "fr", which has no record.
		{Phase: graph.PhaseQA, Variant: "fr", Units: units("line_1")},
		{Phase: graph.PhaseExport, Variant: "fr", Units: units("line_1")},
	})

	require.Error(t, err)
	var blocked *core.PhaseBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, graph.PhaseQA, blocked.Phase)

	// Completed steps keep their records.
	require.Len(t, records, 2)
	assert.Equal(t, graph.PhaseIngest, records[0].Phase)
	assert.Equal(t, graph.PhaseTranslate, records[1].Phase)
	assert.Len(t, o.Snapshot().RecordsSnapshot(), 2)
}

func TestOverview_LatestRecordPerLine(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)
	_, err = o.RunPhase(ctx, graph.PhaseTranslate, "de", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)
	_, err = o.RunPhase(ctx, graph.PhaseIngest, "", func(po *PhaseOptions) {
		po.Units = units("line_1")
	})
	require.NoError(t, err)

	overview := o.Overview()
	require.Len(t, overview, 2)
	assert.Equal(t, graph.PhaseIngest, overview[0].Phase)
	assert.Equal(t, 2, overview[0].Revision)
	assert.False(t, overview[0].Stale)
	assert.Equal(t, graph.PhaseTranslate, overview[1].Phase)
	assert.Equal(t, "de", overview[1].Variant)
	assert.True(t, overview[1].Stale)
}

func TestRunPlan_FullPipeline(t *testing.T) {
	o, events := newTestOrchestrator(t)

	steps := []PlanStep{
		{Phase: graph.PhaseIngest, Units: units("line_1", "line_2")},
		{Phase: graph.PhaseContext, Units: units("scene_1")},
		{Phase: graph.PhasePretranslation, Variant: "de", Units: units("line_1", "line_2")},
		{Phase: graph.PhaseTranslate, Variant: "de", Units: units("line_1", "line_2")},
		{Phase: graph.PhaseQA, Variant: "de", Units: units("line_1", "line_2")},
		{Phase: graph.PhaseEdit, Variant: "de", Units: units("line_1", "line_2")},
		{Phase: graph.PhaseExport, Variant: "de", Units: units("line_1", "line_2")},
	}
	records, err := o.RunPlan(context.Background(), steps)
	require.NoError(t, err)
	assert.Len(t, records, len(steps))
	assert.Equal(t, core.RunStatusCompleted, o.Status())
	assert.Len(t, events.Named(core.EventPhaseCompleted), len(steps))
	assert.Empty(t, events.Named(core.EventPhaseFailed))

	// Translate consumed its soft prerequisites.
	translate := records[3]
	depPhases := make([]string, len(translate.Dependencies))
	for i, d := range translate.Dependencies {
		depPhases[i] = d.Phase
	}
	assert.Equal(t, []string{graph.PhaseIngest, graph.PhaseContext, graph.PhasePretranslation}, depPhases)
}
