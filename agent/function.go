package agent

import (
	"context"

	"github.com/hupe1980/phasemesh/core"
)

// RunFunc is the signature of a plain-function phase agent.
type RunFunc func(ctx context.Context, in core.ShardInput) (core.ShardResult, error)

// FunctionAgent is a generic adapter that exposes a plain Go function as a
// phase agent. It has no internal mutable state after construction and is
// safe for concurrent use by multiple goroutines; retry policy, if any,
// belongs inside the wrapped function.
type FunctionAgent struct {
	name string
	fn   RunFunc
}

// NewFunctionAgent constructs a FunctionAgent from a name and function.
func NewFunctionAgent(name string, fn RunFunc) *FunctionAgent {
	return &FunctionAgent{name: name, fn: fn}
}

// Name returns the agent identifier.
func (a *FunctionAgent) Name() string { return a.name }

// Run implements core.Agent.
func (a *FunctionAgent) Run(ctx context.Context, in core.ShardInput) (core.ShardResult, error) {
	if err := ctx.Err(); err != nil {
		return core.ShardResult{}, err
	}
	return a.fn(ctx, in)
}
