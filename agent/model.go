package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/logging"
	"github.com/hupe1980/phasemesh/model"
)

// PromptFunc renders the user prompt for one content unit of a shard.
type PromptFunc func(in core.ShardInput, unit core.Unit) string

// ModelAgentOptions configures a ModelAgent.
type ModelAgentOptions struct {
	// System is the system instruction sent with every generation.
	System string
	// Prompt renders the per-unit user prompt. Defaults to a generic
	// transformation prompt naming the phase.
	Prompt PromptFunc
	// Logger for per-call diagnostics.
	Logger logging.Logger
}

// ModelAgent is an LLM-backed phase agent: it transforms each content unit of
// a shard through one model generation, preserving unit keys. One failed
// generation fails the shard; the pool surfaces it as a shard failure.
type ModelAgent struct {
	name   string
	model  model.Model
	system string
	prompt PromptFunc
	logger logging.Logger
}

// NewModelAgent constructs a ModelAgent driving the given model.
func NewModelAgent(name string, m model.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	opts := ModelAgentOptions{
		Prompt: defaultPrompt,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Prompt == nil {
		opts.Prompt = defaultPrompt
	}
	return &ModelAgent{
		name:   name,
		model:  m,
		system: opts.System,
		prompt: opts.Prompt,
		logger: opts.Logger,
	}
}

func defaultPrompt(in core.ShardInput, unit core.Unit) string {
	return fmt.Sprintf("Perform the %q transformation on the following content unit (%s):\n\n%s", in.Phase, unit.Key, unit.Payload)
}

// Name returns the agent identifier.
func (a *ModelAgent) Name() string { return a.name }

// Run implements core.Agent by generating one completion per unit.
func (a *ModelAgent) Run(ctx context.Context, in core.ShardInput) (core.ShardResult, error) {
	out := core.ShardResult{Shard: in.Shard, Units: make([]core.Unit, 0, len(in.Units))}
	for _, unit := range in.Units {
		if err := ctx.Err(); err != nil {
			return core.ShardResult{}, err
		}
		resp, err := a.model.Generate(ctx, model.Request{
			System:   a.system,
			Messages: []model.Message{{Role: "user", Text: a.prompt(in, unit)}},
		})
		if err != nil {
			return core.ShardResult{}, fmt.Errorf("unit %s: %w", unit.Key, err)
		}
		a.logger.Debug("model generation completed", "agent", a.name, "unit", unit.Key, "model", a.model.Info().Name)
		out.Units = append(out.Units, core.Unit{Key: unit.Key, Payload: resp.Text})
	}
	return out, nil
}
