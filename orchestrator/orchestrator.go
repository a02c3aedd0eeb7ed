// Package orchestrator drives the phase state machine for one run:
// Requested -> {Blocked | Running} -> {Completed | Failed}. It owns the run
// state exclusively, serializes all mutations, and composes dependency
// gating, fan-out execution, aggregation and revision tracking into the
// run_phase / run_plan operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/phasemesh/agent"
	"github.com/hupe1980/phasemesh/aggregate"
	"github.com/hupe1980/phasemesh/artifact"
	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/fanout"
	"github.com/hupe1980/phasemesh/graph"
	"github.com/hupe1980/phasemesh/logging"
	"github.com/hupe1980/phasemesh/revision"
	"github.com/hupe1980/phasemesh/runstore"
)

// Failure reasons carried by phase_failed events.
const (
	ReasonCancelled           = "cancelled"
	ReasonAgentExecution      = "agent_execution"
	ReasonAggregationConflict = "aggregation_conflict"
	ReasonStateConsistency    = "state_consistency"
	ReasonArtifactStore       = "artifact_store"
)

// Options configures an Orchestrator.
type Options struct {
	// Graph is the phase dependency graph. Defaults to graph.Default().
	Graph *graph.Graph
	// RunStore persists run state. Defaults to an in-memory store.
	RunStore core.RunStore
	// ArtifactStore persists phase outputs. Defaults to an in-memory store.
	ArtifactStore core.ArtifactStore
	// Sink receives lifecycle and progress events. Defaults to NoOpSink.
	Sink core.Sink
	// Logger for orchestration diagnostics. Defaults to the NoOp logger.
	Logger logging.Logger
	// FailOnConflict makes aggregation conflicts fail the invocation instead
	// of resolving them by submission order.
	FailOnConflict bool
	// ConfigRef is an opaque reference to the configuration that produced the
	// run, recorded on the run for auditing.
	ConfigRef string
}

// Orchestrator executes phases for exactly one run. It is safe for concurrent
// use, but invocations are serialized: no two phases of the same run mutate
// state concurrently.
type Orchestrator struct {
	graph     *graph.Graph
	store     core.RunStore
	artifacts core.ArtifactStore
	sink      core.Sink
	logger    logging.Logger

	tracker    *revision.Tracker
	executor   *fanout.Executor
	aggregator *aggregate.Aggregator

	rootCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	run         *core.Run
	pools       map[string]core.AgentPool
	defaultPool core.AgentPool
}

// New creates an Orchestrator with a fresh run and emits run_started exactly
// once. The run is persisted before New returns.
func New(optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := applyOptions(optFns)

	o := build(opts)
	o.run = core.NewRun(opts.ConfigRef)
	if err := o.store.Save(o.run); err != nil {
		return nil, fmt.Errorf("save new run: %w", err)
	}
	o.sink.Emit(core.NewRunStartedEvent(o.run.ID))
	o.logger.Info("run started", "run_id", o.run.ID)
	return o, nil
}

// Open resumes an existing run from the configured store. No run_started
// event is emitted; that transition already happened when the run was created.
func Open(runID string, optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := applyOptions(optFns)

	o := build(opts)
	run, err := o.store.Load(runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	o.run = run
	return o, nil
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Graph:         graph.Default(),
		RunStore:      runstore.NewInMemoryStore(),
		ArtifactStore: artifact.NewInMemoryStore(),
		Sink:          core.NoOpSink{},
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func build(opts Options) *Orchestrator {
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		graph:     opts.Graph,
		store:     opts.RunStore,
		artifacts: opts.ArtifactStore,
		sink:      opts.Sink,
		logger:    opts.Logger,
		tracker: revision.New(func(o *revision.Options) {
			o.Sink = opts.Sink
			o.Logger = opts.Logger
		}),
		executor: fanout.New(),
		aggregator: aggregate.New(func(o *aggregate.Options) {
			o.FailOnConflict = opts.FailOnConflict
		}),
		rootCtx: rootCtx,
		cancel:  cancel,
		pools:   map[string]core.AgentPool{},
	}
}

// RunID returns the identifier of the owned run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.ID
}

// Status returns the current overall run status.
func (o *Orchestrator) Status() core.RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.GetStatus()
}

// Snapshot returns a deep copy of the owned run for inspection.
func (o *Orchestrator) Snapshot() *core.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.Clone()
}

// PhaseStatus summarizes the latest record of one revision line.
type PhaseStatus struct {
	Phase    string `json:"phase"`
	Variant  string `json:"variant,omitempty"`
	Revision int    `json:"revision"`
	Stale    bool   `json:"stale"`
	RecordID string `json:"record_id"`
}

// Overview lists the latest record per (phase, variant) in the order the
// lines first completed, including stale ones, for callers and UIs.
func (o *Orchestrator) Overview() []PhaseStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	index := map[core.RevisionKey]int{}
	var out []PhaseStatus
	for _, rec := range o.run.RecordsSnapshot() {
		status := PhaseStatus{
			Phase:    rec.Phase,
			Variant:  rec.Variant,
			Revision: rec.Revision,
			Stale:    rec.Stale,
			RecordID: rec.ID,
		}
		if i, seen := index[rec.Key()]; seen {
			if rec.Revision > out[i].Revision {
				out[i] = status
			}
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, status)
	}
	return out
}

// RegisterPool assigns an agent pool to a phase. The pool is shared
// configuration; its execution slots are claimed per shard at call time.
func (o *Orchestrator) RegisterPool(phase string, pool core.AgentPool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pools[phase] = pool
}

// RegisterDefaultPool assigns the pool used by phases without a dedicated one.
func (o *Orchestrator) RegisterDefaultPool(pool core.AgentPool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultPool = pool
}

// RegisterAgent wraps a single agent into a pool for the phase.
func (o *Orchestrator) RegisterAgent(phase string, ag core.Agent, concurrency int64) error {
	pool, err := agent.Single(ag, concurrency)
	if err != nil {
		return err
	}
	o.RegisterPool(phase, pool)
	return nil
}

// Cancel requests cooperative cancellation of any in-flight invocation. The
// running phase fails with the "cancelled" reason and persists no record.
func (o *Orchestrator) Cancel() {
	o.cancel()
}

// PhaseOptions parameterizes one phase invocation.
type PhaseOptions struct {
	// Shards are pre-split unit partitions, one per concurrent agent call.
	// Sharding strategy is the caller's concern.
	Shards [][]core.Unit
	// Units is a convenience for a single-shard invocation; ignored when
	// Shards is set.
	Units []core.Unit
	// Pool overrides the registered pool for this invocation.
	Pool core.AgentPool
}

// RunPhase executes one (phase, variant) invocation through the full state
// machine. On success it returns the newly created record; the record and
// artifact are persisted, staleness is propagated and phase_completed is
// emitted. Blocked and failed invocations leave the record history as if the
// invocation never happened and return *core.PhaseBlockedError or the
// execution error respectively.
//
// Re-running a phase whose record is current is permitted and mints the next
// revision; suppressing redundant re-runs is the caller's policy.
func (o *Orchestrator) RunPhase(ctx context.Context, phase, variant string, optFns ...func(po *PhaseOptions)) (core.PhaseRunRecord, error) {
	po := PhaseOptions{}
	for _, fn := range optFns {
		fn(&po)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Validation happens before any mutation or event emission.
	pool := po.Pool
	if pool == nil {
		pool = o.pools[phase]
	}
	if pool == nil {
		pool = o.defaultPool
	}
	if pool == nil {
		return core.PhaseRunRecord{}, fmt.Errorf("no agent pool registered for phase %q", phase)
	}

	decision, err := o.graph.CanRun(phase, variant, o.run)
	if err != nil {
		return core.PhaseRunRecord{}, err
	}
	if !decision.Allowed {
		o.run.SetStatus(core.RunStatusBlocked)
		o.sink.Emit(core.NewPhaseBlockedEvent(o.run.ID, phase, variant, decision.Blocking))
		o.logger.Warn("phase blocked", "run_id", o.run.ID, "phase", phase, "variant", variant, "reasons", fmt.Sprint(decision.Blocking))
		// A save failure must not mask the structured blocking reasons.
		if err := o.store.Save(o.run); err != nil {
			o.logger.Error("saving run after phase block", "run_id", o.run.ID, "error", err)
		}
		return core.PhaseRunRecord{}, &core.PhaseBlockedError{Phase: phase, Variant: variant, Reasons: decision.Blocking}
	}

	partitions := po.Shards
	if len(partitions) == 0 && len(po.Units) > 0 {
		partitions = [][]core.Unit{po.Units}
	}

	o.run.SetStatus(core.RunStatusRunning)
	o.sink.Emit(core.NewPhaseStartedEvent(o.run.ID, phase, variant, len(partitions)))
	o.logger.Info("phase started", "run_id", o.run.ID, "phase", phase, "variant", variant, "shards", len(partitions))

	// Couple the invocation to both the caller's context and Cancel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.rootCtx, cancel)
	defer stop()

	// The invocation scope travels as one value: identifiers, cancellation
	// and ports for everything downstream of the state machine.
	pc := core.NewPhaseContext(ctx, o.run.ID, phase, variant, o.store, o.artifacts, o.sink, o.logger)

	consumed := o.graph.Consumed(phase, variant, o.run)
	upstream, err := readUpstream(pc, consumed)
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonArtifactStore, err, nil)
	}

	inputs := fanout.Shards(phase, variant, partitions, upstream)
	results, err := o.executor.Execute(pc, pool, inputs)
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, executionReason(err), err, failureData(err))
	}

	output, _, err := o.aggregator.Merge(pc, results)
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonAggregationConflict, err, nil)
	}

	data, err := output.Marshal()
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonArtifactStore, err, nil)
	}
	artifactID, err := pc.WriteArtifact(data)
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonArtifactStore, err, nil)
	}

	rev := o.tracker.NextRevision(o.run, phase, variant)
	deps := o.tracker.CaptureDependencies(consumed)
	rec, err := core.NewPhaseRunRecord(phase, variant, rev, deps, artifactID)
	if err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonStateConsistency, err, nil)
	}
	if err := o.run.AppendRecord(rec); err != nil {
		return core.PhaseRunRecord{}, o.fail(phase, variant, ReasonStateConsistency, err, nil)
	}
	o.tracker.PropagateStaleness(o.run, rec)

	o.run.SetStatus(core.RunStatusCompleted)
	if err := o.store.Save(o.run); err != nil {
		// Storage errors propagate unchanged; the in-memory state already
		// holds the record.
		return core.PhaseRunRecord{}, err
	}

	o.sink.Emit(core.NewPhaseCompletedEvent(o.run.ID, phase, variant, rec.Revision, rec.ID))
	o.logger.Info("phase completed", "run_id", o.run.ID, "phase", phase, "variant", variant, "revision", rec.Revision, "record_id", rec.ID)
	return rec, nil
}

// PlanStep names one phase invocation of a plan.
type PlanStep struct {
	Phase   string
	Variant string
	Shards  [][]core.Unit
	Units   []core.Unit
}

// RunPlan invokes the steps sequentially, stopping at the first blocked or
// failed step. Records of already-completed steps are preserved; a plan is
// not transactional across phases, since partial pipeline progress is
// valuable and auditable. The returned slice holds the records created before
// the stop.
func (o *Orchestrator) RunPlan(ctx context.Context, steps []PlanStep) ([]core.PhaseRunRecord, error) {
	completed := make([]core.PhaseRunRecord, 0, len(steps))
	for _, step := range steps {
		rec, err := o.RunPhase(ctx, step.Phase, step.Variant, func(po *PhaseOptions) {
			po.Shards = step.Shards
			po.Units = step.Units
		})
		if err != nil {
			return completed, fmt.Errorf("plan stopped at phase %s: %w", step.Phase, err)
		}
		completed = append(completed, rec)
	}
	return completed, nil
}

// readUpstream loads the artifact of every consumed record, keyed by the
// record's revision line ("phase" or "phase/variant").
func readUpstream(pc *core.PhaseContext, consumed []core.PhaseRunRecord) (map[string][]byte, error) {
	if len(consumed) == 0 {
		return nil, nil
	}
	upstream := make(map[string][]byte, len(consumed))
	for _, rec := range consumed {
		data, err := pc.ReadArtifact(rec.ArtifactID)
		if err != nil {
			return nil, fmt.Errorf("read artifact of %s rev %d: %w", rec.Key(), rec.Revision, err)
		}
		upstream[rec.Key().String()] = data
	}
	return upstream, nil
}

// fail records the failure outcome: status flip, one phase_failed event with
// the distinct reason, persisted run state, no record. The original error is
// returned unchanged.
func (o *Orchestrator) fail(phase, variant, reason string, err error, extra map[string]any) error {
	o.run.SetStatus(core.RunStatusFailed)
	ev := core.NewPhaseFailedEvent(o.run.ID, phase, variant, reason, err)
	for k, v := range extra {
		ev.Data[k] = v
	}
	o.sink.Emit(ev)
	o.logger.Error("phase failed", "run_id", o.run.ID, "phase", phase, "variant", variant, "reason", reason, "error", err)
	if saveErr := o.store.Save(o.run); saveErr != nil {
		o.logger.Error("saving run after phase failure", "run_id", o.run.ID, "error", saveErr)
	}
	return err
}

// executionReason classifies a fan-out error. Cancellation wins over the
// error's type so a cancelled invocation always reports the distinct
// "cancelled" reason.
func executionReason(err error) string {
	if core.IsCancelled(err) {
		return ReasonCancelled
	}
	var stateErr *core.StateConsistencyError
	if errors.As(err, &stateErr) {
		return ReasonStateConsistency
	}
	return ReasonAgentExecution
}

// failureData extracts structured context for the phase_failed event, such as
// the failing shard indices.
func failureData(err error) map[string]any {
	var execErr *core.AgentExecutionError
	if errors.As(err, &execErr) {
		return map[string]any{"failed_shards": execErr.FailedShards()}
	}
	return nil
}
