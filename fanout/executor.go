// Package fanout dispatches a phase's pre-split shards to an agent pool and
// hands the results to aggregation in submission order. The pool owns the
// concurrency slots; the executor owns input construction, the ordering
// invariant, progress emission and failure surfacing.
package fanout

import (
	"fmt"
	"time"

	"github.com/hupe1980/phasemesh/core"
)

// Executor runs one fanned-out phase invocation at a time. Stateless and
// safe for concurrent use; all invocation scope (cancellation, identifiers,
// sink, logger) arrives through the PhaseContext.
type Executor struct{}

// New constructs an Executor.
func New() *Executor {
	return &Executor{}
}

// Shards builds the shard inputs for a phase invocation from pre-split unit
// partitions (sharding strategy is the caller's concern). Every shard carries
// the same upstream artifact map.
func Shards(phase, variant string, partitions [][]core.Unit, upstream map[string][]byte) []core.ShardInput {
	inputs := make([]core.ShardInput, len(partitions))
	for i, units := range partitions {
		inputs[i] = core.ShardInput{
			Phase:    phase,
			Variant:  variant,
			Shard:    i,
			Units:    units,
			Upstream: upstream,
		}
	}
	return inputs
}

// Execute dispatches the shard inputs through the pool and returns results in
// submission order. On any shard failure the whole invocation fails with the
// pool's *core.AgentExecutionError — no partial results, no retry; retry
// policy belongs to the agent abstraction. A pool that returns results out of
// order or with the wrong cardinality violates its contract, which is a
// defect surfaced as StateConsistencyError.
func (e *Executor) Execute(pc *core.PhaseContext, pool core.AgentPool, inputs []core.ShardInput) ([]core.ShardResult, error) {
	if len(inputs) == 0 {
		return []core.ShardResult{}, nil
	}

	start := time.Now()
	results, err := pool.RunBatch(pc.Context, inputs)
	if err != nil {
		pc.LogError("fan-out failed", "shards", len(inputs), "duration", time.Since(start), "error", err)
		return nil, err
	}

	if len(results) != len(inputs) {
		return nil, &core.StateConsistencyError{
			Reason: fmt.Sprintf("agent pool returned %d results for %d shards of phase %s", len(results), len(inputs), pc.Phase),
		}
	}
	for i, res := range results {
		if res.Shard != inputs[i].Shard {
			return nil, &core.StateConsistencyError{
				Reason: fmt.Sprintf("agent pool violated ordering contract at index %d: got shard %d, want %d", i, res.Shard, inputs[i].Shard),
			}
		}
	}

	for i := range results {
		pc.Emit(core.NewShardCompletedEvent(i, len(results)))
	}
	pc.LogInfo("fan-out completed", "shards", len(inputs), "duration", time.Since(start))
	return results, nil
}
