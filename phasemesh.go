// Package phasemesh provides a high-level façade over the orchestrator and
// service abstractions (run store, artifact store, event sink & logging)
// enabling rapid construction of phase-based content pipelines. Most
// applications interact with this package by:
//  1. Creating a PhaseMesh via New() (optionally overriding default in-memory services)
//  2. Registering agents or agent pools per phase (model-backed, function, custom)
//  3. Starting a run (NewRun / OpenRun) and invoking phases (RunPhase / RunPlan)
//
// The façade delegates execution to orchestrator.Orchestrator while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply durable
// store implementations and a structured logger.
package phasemesh

import (
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/phasemesh/agent"
	"github.com/hupe1980/phasemesh/artifact"
	"github.com/hupe1980/phasemesh/artifact/cached"
	"github.com/hupe1980/phasemesh/config"
	"github.com/hupe1980/phasemesh/core"
	"github.com/hupe1980/phasemesh/graph"
	"github.com/hupe1980/phasemesh/logging"
	"github.com/hupe1980/phasemesh/model"
	"github.com/hupe1980/phasemesh/model/anthropic"
	"github.com/hupe1980/phasemesh/model/openai"
	"github.com/hupe1980/phasemesh/orchestrator"
	"github.com/hupe1980/phasemesh/runstore"
	"github.com/hupe1980/phasemesh/sink"
)

// Options configures the PhaseMesh instance.
type Options struct {
	// Graph is the phase dependency graph (defaults to the content pipeline).
	Graph *graph.Graph

	// Concurrency bounds the shard calls in flight per phase invocation.
	Concurrency int64

	// FailOnConflict surfaces aggregation conflicts as failures instead of
	// resolving them deterministically by submission order.
	FailOnConflict bool

	// ConfigRef is an opaque reference recorded on new runs for auditing.
	ConfigRef string

	// Stores (defaults to in-memory implementations if not provided)
	RunStore      core.RunStore
	ArtifactStore core.ArtifactStore

	// Sink receives lifecycle events (defaults to discarding them).
	Sink core.Sink

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// PhaseMesh is the high-level façade aggregating pipeline configuration and
// the per-phase agent pools shared by all runs it starts.
type PhaseMesh struct {
	opts  Options
	pools map[string]core.AgentPool
}

// New creates a new PhaseMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *PhaseMesh {
	opts := Options{
		Graph:         graph.Default(),
		Concurrency:   4,
		RunStore:      runstore.NewInMemoryStore(),
		ArtifactStore: artifact.NewInMemoryStore(),
		Sink:          core.NoOpSink{},
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &PhaseMesh{opts: opts, pools: map[string]core.AgentPool{}}
}

// FromConfig builds a PhaseMesh from loaded configuration: phase graph,
// concurrency, artifact caching, structured logging and one model-backed
// agent per configured phase. Explicit option overrides are applied last.
func FromConfig(cfg *config.Config, optFns ...func(o *Options)) (*PhaseMesh, error) {
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, false)

	g := graph.Default()
	if len(cfg.Pipeline.Phases) > 0 {
		var err error
		g, err = graph.New(func(o *graph.Options) {
			o.Phases = cfg.Pipeline.Phases
			o.Hard = cfg.Pipeline.Hard
			o.Soft = cfg.Pipeline.Soft
		})
		if err != nil {
			return nil, err
		}
	}

	var artifacts core.ArtifactStore = artifact.NewInMemoryStore()
	if cfg.Cache.Enabled {
		var err error
		artifacts, err = cached.New(artifacts, func(o *cached.Options) {
			o.MaxCostBytes = cfg.Cache.MaxSizeMB << 20
		})
		if err != nil {
			return nil, err
		}
	}

	m := New(func(o *Options) {
		o.Graph = g
		o.Concurrency = cfg.Pipeline.Concurrency
		o.FailOnConflict = cfg.Pipeline.FailOnConflict
		o.ArtifactStore = artifacts
		o.Sink = sink.NewSlogSink(logger)
		o.Logger = logger
		for _, fn := range optFns {
			fn(o)
		}
	})

	for phase, mc := range cfg.Models {
		mdl, err := buildModel(mc)
		if err != nil {
			return nil, fmt.Errorf("models.%s: %w", phase, err)
		}
		ag := agent.NewModelAgent(phase, mdl, func(o *agent.ModelAgentOptions) {
			o.System = mc.System
			o.Logger = m.opts.Logger
		})
		if err := m.RegisterAgent(phase, ag); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func buildModel(mc config.ModelConfig) (model.Model, error) {
	switch mc.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Name != "" {
				o.Model = anthropicsdk.Model(mc.Name)
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = mc.MaxTokens
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = mc.MaxTokens
			}
		}), nil
	case "mock":
		return model.NewMockModel(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
}

// RegisterAgent wraps a single agent into a pool for the phase using the
// configured concurrency limit.
func (m *PhaseMesh) RegisterAgent(phase string, ag core.Agent) error {
	pool, err := agent.Single(ag, m.opts.Concurrency)
	if err != nil {
		return err
	}
	m.pools[phase] = pool
	return nil
}

// RegisterAgents assigns a round-robin pool of agents to the phase.
func (m *PhaseMesh) RegisterAgents(phase string, agents []core.Agent) error {
	pool, err := agent.NewPool(agents, func(o *agent.PoolOptions) {
		o.Concurrency = m.opts.Concurrency
		o.Logger = m.opts.Logger
	})
	if err != nil {
		return err
	}
	m.pools[phase] = pool
	return nil
}

// RegisterPool assigns a custom agent pool to the phase.
func (m *PhaseMesh) RegisterPool(phase string, pool core.AgentPool) {
	m.pools[phase] = pool
}

// RegisterDefaultAgent wraps a single agent into the pool used by phases
// without a dedicated one.
func (m *PhaseMesh) RegisterDefaultAgent(ag core.Agent) error {
	return m.RegisterAgent("", ag)
}

// NewRun starts a fresh run and returns its orchestrator. The run is
// persisted and run_started is emitted before NewRun returns.
func (m *PhaseMesh) NewRun() (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(m.orchestratorOptions())
	if err != nil {
		return nil, err
	}
	m.wirePools(o)
	return o, nil
}

// OpenRun resumes a previously persisted run.
func (m *PhaseMesh) OpenRun(runID string) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.Open(runID, m.orchestratorOptions())
	if err != nil {
		return nil, err
	}
	m.wirePools(o)
	return o, nil
}

// ListRuns returns index entries of persisted runs matching the filter.
func (m *PhaseMesh) ListRuns(filter core.IndexFilter) ([]core.IndexEntry, error) {
	return m.opts.RunStore.ListIndex(filter)
}

func (m *PhaseMesh) orchestratorOptions() func(o *orchestrator.Options) {
	return func(o *orchestrator.Options) {
		o.Graph = m.opts.Graph
		o.RunStore = m.opts.RunStore
		o.ArtifactStore = m.opts.ArtifactStore
		o.Sink = m.opts.Sink
		o.Logger = m.opts.Logger
		o.FailOnConflict = m.opts.FailOnConflict
		o.ConfigRef = m.opts.ConfigRef
	}
}

func (m *PhaseMesh) wirePools(o *orchestrator.Orchestrator) {
	for phase, pool := range m.pools {
		if phase == "" {
			o.RegisterDefaultPool(pool)
			continue
		}
		o.RegisterPool(phase, pool)
	}
}
