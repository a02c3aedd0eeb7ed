// Package aggregate merges per-shard results into a single phase output
// deterministically: merge order is the submission order from the fan-out
// executor, never completion order, so identical inputs and partitioning
// always yield identical output regardless of scheduling.
package aggregate

import (
	"github.com/hupe1980/phasemesh/core"
)

// Conflict records one resolved merge collision: two shards wrote different
// payloads for the same unit key and the earlier submission won.
type Conflict struct {
	Key          string
	KeptShard    int
	DroppedShard int
}

// Options configures an Aggregator.
type Options struct {
	// FailOnConflict surfaces the first payload disagreement as an
	// AggregationConflictError instead of resolving it by submission order.
	FailOnConflict bool
}

// Aggregator merges ordered shard results. Stateless and safe for concurrent
// use; conflict events and logging go through the invocation's PhaseContext.
type Aggregator struct {
	failOnConflict bool
}

// New constructs an Aggregator with optional overrides.
func New(optFns ...func(o *Options)) *Aggregator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Aggregator{failOnConflict: opts.FailOnConflict}
}

// Merge combines shard results into one phase output. Units keep first-seen
// order; when two shards disagree on the same key with different payloads the
// first writer by submission order wins and the conflict is logged, never
// silently dropped. Identical duplicate payloads deduplicate without a
// conflict. The output schema matches a single-agent phase run.
func (a *Aggregator) Merge(pc *core.PhaseContext, results []core.ShardResult) (core.Output, []Conflict, error) {
	kept := map[string]int{}   // unit key -> index into out.Units
	origin := map[string]int{} // unit key -> shard that wrote it
	out := core.Output{Units: []core.Unit{}}
	var conflicts []Conflict

	for _, res := range results {
		for _, unit := range res.Units {
			idx, seen := kept[unit.Key]
			if !seen {
				kept[unit.Key] = len(out.Units)
				origin[unit.Key] = res.Shard
				out.Units = append(out.Units, unit)
				continue
			}
			if out.Units[idx].Payload == unit.Payload {
				continue
			}
			if a.failOnConflict {
				return core.Output{}, nil, &core.AggregationConflictError{
					Phase:     pc.Phase,
					Variant:   pc.Variant,
					Key:       unit.Key,
					KeptShard: origin[unit.Key],
					LateShard: res.Shard,
				}
			}
			c := Conflict{Key: unit.Key, KeptShard: origin[unit.Key], DroppedShard: res.Shard}
			conflicts = append(conflicts, c)
			pc.LogWarn("aggregation conflict",
				"key", unit.Key,
				"kept_shard", c.KeptShard,
				"dropped_shard", c.DroppedShard,
			)
			pc.Emit(core.NewAggregationConflictEvent(unit.Key, c.KeptShard, c.DroppedShard))
		}
	}
	return out, conflicts, nil
}
