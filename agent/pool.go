package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/logging"
	"golang.org/x/sync/semaphore"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Concurrency bounds the number of shard calls in flight at once. Excess
	// shards queue on the pool's semaphore rather than spawning unbounded
	// work. Defaults to 4.
	Concurrency int64
	// Logger for per-call diagnostics.
	Logger logging.Logger
}

// Pool is the default core.AgentPool implementation. It holds one or more
// agents (unique instances or clones of one configuration) and executes
// batches of shards concurrently up to the configured limit. Agents are
// assigned round-robin by shard index; a slot is exclusively claimed for the
// duration of each shard's call.
//
// RunBatch returns results indexed by submission order regardless of
// completion order, which is the determinism guarantee downstream aggregation
// relies on.
type Pool struct {
	agents []core.Agent
	sem    *semaphore.Weighted
	logger logging.Logger
}

// NewPool constructs a Pool over the given agents.
func NewPool(agents []core.Agent, optFns ...func(o *PoolOptions)) (*Pool, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("pool: at least one agent required")
	}
	opts := PoolOptions{
		Concurrency: 4,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("pool: concurrency must be >= 1, got %d", opts.Concurrency)
	}
	return &Pool{
		agents: append([]core.Agent(nil), agents...),
		sem:    semaphore.NewWeighted(opts.Concurrency),
		logger: opts.Logger,
	}, nil
}

// Single wraps one agent into a Pool with the given concurrency limit.
func Single(a core.Agent, concurrency int64) (*Pool, error) {
	return NewPool([]core.Agent{a}, func(o *PoolOptions) { o.Concurrency = concurrency })
}

// RunBatch implements core.AgentPool. All shards run even if siblings fail;
// on any failure it returns an *core.AgentExecutionError listing every failed
// shard in ascending order, and no results.
func (p *Pool) RunBatch(ctx context.Context, inputs []core.ShardInput) ([]core.ShardResult, error) {
	if len(inputs) == 0 {
		return []core.ShardResult{}, nil
	}

	results := make([]core.ShardResult, len(inputs))
	var mu sync.Mutex
	var failures []core.ShardFailure
	var wg sync.WaitGroup

	for i, in := range inputs {
		wg.Add(1)
		go func(idx int, in core.ShardInput) {
			defer wg.Done()

			if err := p.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failures = append(failures, core.ShardFailure{Shard: in.Shard, Err: err})
				mu.Unlock()
				return
			}
			defer p.sem.Release(1)

			ag := p.agents[idx%len(p.agents)]
			start := time.Now()
			res, err := ag.Run(ctx, in)
			if err != nil {
				p.logger.Error("shard agent call failed", "agent", ag.Name(), "shard", in.Shard, "duration", time.Since(start), "error", err)
				mu.Lock()
				failures = append(failures, core.ShardFailure{Shard: in.Shard, Err: fmt.Errorf("agent %s: %w", ag.Name(), err)})
				mu.Unlock()
				return
			}
			p.logger.Debug("shard agent call completed", "agent", ag.Name(), "shard", in.Shard, "duration", time.Since(start))

			// Reassemble in submission order; the shard index always echoes
			// the input regardless of what the agent reported.
			res.Shard = in.Shard
			results[idx] = res
		}(i, in)
	}

	wg.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(a, b int) bool { return failures[a].Shard < failures[b].Shard })
		return nil, &core.AgentExecutionError{
			Phase:    inputs[0].Phase,
			Variant:  inputs[0].Variant,
			Failures: failures,
		}
	}
	return results, nil
}
