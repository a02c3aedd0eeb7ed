package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventConstructors(t *testing.T) {
	ev := NewRunStartedEvent("run-1")
	assert.Equal(t, EventRunStarted, ev.Name)
	assert.Equal(t, LevelInfo, ev.Level)
	assert.Equal(t, "run-1", ev.RunID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	ev = NewPhaseBlockedEvent("run-1", "translate", "de", []BlockReason{{Phase: "ingest", Reason: BlockReasonMissing}})
	assert.Equal(t, EventPhaseBlocked, ev.Name)
	assert.Equal(t, LevelWarn, ev.Level)
	assert.Contains(t, ev.Message, "ingest is missing")

	rec := PhaseRunRecord{ID: "rec-1", Phase: "translate", Variant: "de", Revision: 1}
	ev = NewPhaseInvalidatedEvent("run-1", rec, RevisionKey{Phase: "ingest"}, 1, 2)
	assert.Equal(t, EventPhaseInvalidated, ev.Name)
	assert.Equal(t, "translate", ev.Phase)
	assert.Equal(t, "rec-1", ev.Data["record_id"])
	assert.Equal(t, 2, ev.Data["upstream_new_rev"])

	ev = NewPhaseFailedEvent("run-1", "translate", "de", "agent execution", errors.New("boom"))
	assert.Equal(t, LevelError, ev.Level)
	assert.Equal(t, "boom", ev.Data["error"])
}

func TestAgentExecutionError(t *testing.T) {
	err := &AgentExecutionError{
		Phase:   "translate",
		Variant: "de",
		Failures: []ShardFailure{
			{Shard: 2, Err: errors.New("timeout")},
			{Shard: 0, Err: context.Canceled},
		},
	}
	assert.Contains(t, err.Error(), "shard 2")
	assert.Equal(t, []int{0, 2}, err.FailedShards())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPhaseBlockedError(t *testing.T) {
	err := &PhaseBlockedError{
		Phase:   "qa",
		Variant: "de",
		Reasons: []BlockReason{{Phase: "translate", Variant: "de", Reason: BlockReasonStale}},
	}
	assert.Contains(t, err.Error(), "qa/de")
	assert.Contains(t, err.Error(), "translate/de is stale")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsCancelled(errors.New("boom")))
}

type captureSink struct{ events []Event }

func (c *captureSink) Emit(ev Event) { c.events = append(c.events, ev) }

func TestPhaseContext_EmitStampsIdentifiers(t *testing.T) {
	sink := &captureSink{}
	pc := NewPhaseContext(context.Background(), "run-1", "translate", "de", nil, nil, sink, nil)

	pc.Emit(NewEvent(LevelInfo, "custom", ""))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "run-1", sink.events[0].RunID)
	assert.Equal(t, "translate", sink.events[0].Phase)
	assert.Equal(t, "de", sink.events[0].Variant)
}

func TestOutputRoundTrip(t *testing.T) {
	out := Output{Units: []Unit{{Key: "scene_1", Payload: "hello"}}}
	data, err := out.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalOutput(data)
	require.NoError(t, err)
	assert.Equal(t, out, back)
}
