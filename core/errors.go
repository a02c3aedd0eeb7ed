package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BlockReason names one unmet hard prerequisite of a requested phase.
// Reason is one of "missing" (no completed record) or "stale" (latest record
// was invalidated upstream and must be re-run).
type BlockReason struct {
	Phase   string `json:"phase"`
	Variant string `json:"variant,omitempty"`
	Reason  string `json:"reason"`
}

// Block reasons reported by the dependency resolver.
const (
	BlockReasonMissing = "missing"
	BlockReasonStale   = "stale"
)

func (b BlockReason) String() string {
	k := RevisionKey{Phase: b.Phase, Variant: b.Variant}
	return fmt.Sprintf("%s is %s", k, b.Reason)
}

// PhaseBlockedError reports that a phase invocation was rejected before any
// mutation because one or more hard prerequisites are unmet. It is expected,
// navigable control flow: the caller resolves the named prerequisites and
// re-requests.
type PhaseBlockedError struct {
	Phase   string
	Variant string
	Reasons []BlockReason
}

func (e *PhaseBlockedError) Error() string {
	k := RevisionKey{Phase: e.Phase, Variant: e.Variant}
	return fmt.Sprintf("phase %s blocked: %s", k, formatBlockReasons(e.Reasons))
}

// ShardFailure identifies one failed shard inside a fanned-out invocation.
type ShardFailure struct {
	Shard int
	Err   error
}

func (f ShardFailure) String() string {
	return fmt.Sprintf("shard %d: %v", f.Shard, f.Err)
}

// AgentExecutionError reports that one or more shard agent calls failed
// irrecoverably. The whole phase invocation fails; no partial record is
// created. Failures are ordered by shard index.
type AgentExecutionError struct {
	Phase    string
	Variant  string
	Failures []ShardFailure
}

func (e *AgentExecutionError) Error() string {
	k := RevisionKey{Phase: e.Phase, Variant: e.Variant}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("phase %s agent execution failed: %s", k, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying shard errors for errors.Is matching
// (e.g. context.Canceled).
func (e *AgentExecutionError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// FailedShards returns the failing shard indices in ascending order.
func (e *AgentExecutionError) FailedShards() []int {
	shards := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		shards[i] = f.Shard
	}
	sort.Ints(shards)
	return shards
}

// AggregationConflictError reports that shards disagreed on overlapping
// output and the aggregator was configured to surface rather than resolve
// the conflict.
type AggregationConflictError struct {
	Phase     string
	Variant   string
	Key       string
	KeptShard int
	LateShard int
}

func (e *AggregationConflictError) Error() string {
	k := RevisionKey{Phase: e.Phase, Variant: e.Variant}
	return fmt.Sprintf("phase %s aggregation conflict on %q between shard %d and shard %d", k, e.Key, e.KeptShard, e.LateShard)
}

// StateConsistencyError indicates a fatal programming or storage-corruption
// defect (duplicate record id, revision collision, ordering violation). It
// must never be silently swallowed.
type StateConsistencyError struct {
	Reason string
}

func (e *StateConsistencyError) Error() string {
	return fmt.Sprintf("state consistency violation: %s", e.Reason)
}

// IsCancelled reports whether err stems from cooperative cancellation of the
// invocation rather than an agent or state failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
