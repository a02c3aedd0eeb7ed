package aggregate

import (
	"context"
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

func phaseContext(phase, variant string, sink core.Sink) *core.PhaseContext {
	return core.NewPhaseContext(context.Background(), "run-1", phase, variant, nil, nil, sink, nil)
}

func TestMerge_PreservesSubmissionOrder(t *testing.T) {
	agg := New()
	results := []core.ShardResult{
		{Shard: 0, Units: []core.Unit{{Key: "scene_1", Payload: "a"}, {Key: "scene_2", Payload: "b"}}},
		{Shard: 1, Units: []core.Unit{{Key: "scene_3", Payload: "c"}}},
	}
	out, conflicts, err := agg.Merge(phaseContext("translate", "de", nil), results)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	require.Len(t, out.Units, 3)
	assert.Equal(t, "scene_1", out.Units[0].Key)
	assert.Equal(t, "scene_2", out.Units[1].Key)
	assert.Equal(t, "scene_3", out.Units[2].Key)
}

func TestMerge_ConflictFirstWriterWins(t *testing.T) {
	sink := &memorySink{}
	agg := New()

	// Both shards write scene_7 with different summaries.
	results := []core.ShardResult{
		{Shard: 0, Units: []core.Unit{{Key: "scene_7", Payload: "summary A"}}},
		{Shard: 1, Units: []core.Unit{{Key: "scene_7", Payload: "summary B"}}},
	}
	out, conflicts, err := agg.Merge(phaseContext("context", "", sink), results)
	require.NoError(t, err)

	require.Len(t, out.Units, 1)
	assert.Equal(t, "summary A", out.Units[0].Payload)

	require.Len(t, conflicts, 1)
	assert.Equal(t, "scene_7", conflicts[0].Key)
	assert.Equal(t, 0, conflicts[0].KeptShard)
	assert.Equal(t, 1, conflicts[0].DroppedShard)

	// The conflict event carries the invocation identifiers.
	emitted := sink.named(core.EventAggregationConflict)
	require.Len(t, emitted, 1)
	assert.Equal(t, "run-1", emitted[0].RunID)
	assert.Equal(t, "context", emitted[0].Phase)
}

func TestMerge_IdenticalDuplicateIsNotAConflict(t *testing.T) {
	sink := &memorySink{}
	agg := New()

	results := []core.ShardResult{
		{Shard: 0, Units: []core.Unit{{Key: "scene_7", Payload: "same"}}},
		{Shard: 1, Units: []core.Unit{{Key: "scene_7", Payload: "same"}}},
	}
	out, conflicts, err := agg.Merge(phaseContext("context", "", sink), results)
	require.NoError(t, err)
	assert.Len(t, out.Units, 1)
	assert.Empty(t, conflicts)
	assert.Empty(t, sink.named(core.EventAggregationConflict))
}

func TestMerge_FailOnConflict(t *testing.T) {
	agg := New(func(o *Options) { o.FailOnConflict = true })

	results := []core.ShardResult{
		{Shard: 0, Units: []core.Unit{{Key: "scene_7", Payload: "A"}}},
		{Shard: 1, Units: []core.Unit{{Key: "scene_7", Payload: "B"}}},
	}
	_, _, err := agg.Merge(phaseContext("context", "", nil), results)
	require.Error(t, err)
	var conflictErr *core.AggregationConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "context", conflictErr.Phase)
	assert.Equal(t, "scene_7", conflictErr.Key)
	assert.Equal(t, 0, conflictErr.KeptShard)
	assert.Equal(t, 1, conflictErr.LateShard)
}

func TestMerge_DeterministicUnderPermutedCompletion(t *testing.T) {
	// The aggregator receives results in submission order by contract; this
	// checks the merge itself is a pure function of that order.
	agg := New()
	results := []core.ShardResult{
		{Shard: 0, Units: []core.Unit{{Key: "l1", Payload: "x"}}},
		{Shard: 1, Units: []core.Unit{{Key: "l2", Payload: "y"}, {Key: "l1", Payload: "z"}}},
		{Shard: 2, Units: []core.Unit{{Key: "l3", Payload: "w"}}},
	}
	pc := phaseContext("translate", "de", nil)
	first, _, err := agg.Merge(pc, results)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, _, err := agg.Merge(pc, results)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMerge_EmptyResults(t *testing.T) {
	agg := New()
	out, conflicts, err := agg.Merge(phaseContext("ingest", "", nil), nil)
	require.NoError(t, err)
	assert.NotNil(t, out.Units)
	assert.Empty(t, out.Units)
	assert.Empty(t, conflicts)
}
