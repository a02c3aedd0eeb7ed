// Package graph implements dependency gating for phase invocations: a fixed
// partial order of hard prerequisites that block execution when missing or
// stale, and soft prerequisites that are consumed when present but never
// block.
package graph

import (
	"fmt"

	"github.com/hupe1980/phasemesh/core"
)

// Canonical phase names of the content-transformation pipeline.
const (
	PhaseIngest         = "ingest"
	PhaseContext        = "context"
	PhasePretranslation = "pretranslation"
	PhaseTranslate      = "translate"
	PhaseQA             = "qa"
	PhaseEdit           = "edit"
	PhaseExport         = "export"
)

// Options declares the phase set and its prerequisite edges.
type Options struct {
	// Phases lists every phase in pipeline order.
	Phases []string
	// Hard maps a phase to prerequisites that must have a non-stale completed
	// record before it may run.
	Hard map[string][]string
	// Soft maps a phase to optional upstream phases consumed when present.
	Soft map[string][]string
}

// Graph is an immutable phase dependency graph. Construct via New or Default;
// safe for concurrent use.
type Graph struct {
	phases []string
	known  map[string]bool
	hard   map[string][]string
	soft   map[string][]string
}

// Default returns the content pipeline graph: ingest precedes every other
// phase; translate precedes qa, edit and export; context and pretranslation
// are optional inputs.
func Default() *Graph {
	g, err := New(func(o *Options) {
		o.Phases = []string{PhaseIngest, PhaseContext, PhasePretranslation, PhaseTranslate, PhaseQA, PhaseEdit, PhaseExport}
		o.Hard = map[string][]string{
			PhaseContext:        {PhaseIngest},
			PhasePretranslation: {PhaseIngest},
			PhaseTranslate:      {PhaseIngest},
			PhaseQA:             {PhaseTranslate},
			PhaseEdit:           {PhaseTranslate},
			PhaseExport:         {PhaseTranslate},
		}
		o.Soft = map[string][]string{
			PhaseTranslate: {PhaseContext, PhasePretranslation},
			PhaseQA:        {PhaseContext},
			PhaseEdit:      {PhaseQA},
			PhaseExport:    {PhaseEdit, PhaseQA},
		}
	})
	if err != nil {
		// The built-in graph is validated by tests; a failure here is a defect.
		panic(err)
	}
	return g
}

// New builds and validates a Graph: every edge must reference a declared
// phase and the combined edge set must be acyclic.
func New(optFns ...func(o *Options)) (*Graph, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("graph: at least one phase required")
	}

	g := &Graph{
		phases: append([]string(nil), opts.Phases...),
		known:  make(map[string]bool, len(opts.Phases)),
		hard:   map[string][]string{},
		soft:   map[string][]string{},
	}
	for _, p := range g.phases {
		if p == "" {
			return nil, fmt.Errorf("graph: empty phase name")
		}
		if g.known[p] {
			return nil, fmt.Errorf("graph: duplicate phase %q", p)
		}
		g.known[p] = true
	}
	copyEdges := func(src map[string][]string, dst map[string][]string, kind string) error {
		for phase, deps := range src {
			if !g.known[phase] {
				return fmt.Errorf("graph: %s edge for undeclared phase %q", kind, phase)
			}
			for _, d := range deps {
				if !g.known[d] {
					return fmt.Errorf("graph: %s prerequisite %q of %q is undeclared", kind, d, phase)
				}
			}
			dst[phase] = append([]string(nil), deps...)
		}
		return nil
	}
	if err := copyEdges(opts.Hard, g.hard, "hard"); err != nil {
		return nil, err
	}
	if err := copyEdges(opts.Soft, g.soft, "soft"); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic rejects cycles over the union of hard and soft edges.
func (g *Graph) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.phases))
	var visit func(p string) error
	visit = func(p string) error {
		switch state[p] {
		case visiting:
			return fmt.Errorf("graph: dependency cycle through %q", p)
		case done:
			return nil
		}
		state[p] = visiting
		for _, d := range g.hard[p] {
			if err := visit(d); err != nil {
				return err
			}
		}
		for _, d := range g.soft[p] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[p] = done
		return nil
	}
	for _, p := range g.phases {
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}

// Phases returns the declared phases in pipeline order.
func (g *Graph) Phases() []string { return append([]string(nil), g.phases...) }

// Has reports whether phase is declared in the graph.
func (g *Graph) Has(phase string) bool { return g.known[phase] }

// HardDeps returns the hard prerequisites of phase in declaration order.
func (g *Graph) HardDeps(phase string) []string { return append([]string(nil), g.hard[phase]...) }

// SoftDeps returns the soft prerequisites of phase in declaration order.
func (g *Graph) SoftDeps(phase string) []string { return append([]string(nil), g.soft[phase]...) }

// Decision is the structured outcome of dependency resolution. Blocking is
// empty exactly when Allowed is true.
type Decision struct {
	Allowed  bool
	Blocking []core.BlockReason
}

// CanRun resolves whether (phase, variant) may execute against the run's
// current history. A hard prerequisite blocks when it has no completed record
// or when its latest record is stale. Resolution reads only the latest record
// per prerequisite; soft prerequisites never block. No state is mutated.
func (g *Graph) CanRun(phase, variant string, run *core.Run) (Decision, error) {
	if !g.known[phase] {
		return Decision{}, fmt.Errorf("graph: unknown phase %q", phase)
	}
	var blocking []core.BlockReason
	for _, dep := range g.hard[phase] {
		rec, ok := lookupRecord(run, dep, variant)
		switch {
		case !ok:
			blocking = append(blocking, core.BlockReason{Phase: dep, Reason: core.BlockReasonMissing})
		case rec.Stale:
			blocking = append(blocking, core.BlockReason{Phase: dep, Variant: rec.Variant, Reason: core.BlockReasonStale})
		}
	}
	return Decision{Allowed: len(blocking) == 0, Blocking: blocking}, nil
}

// Consumed returns the upstream records a (phase, variant) invocation reads:
// hard prerequisites first, then soft prerequisites that have a completed
// record, in declaration order. Call only after CanRun allowed the phase.
func (g *Graph) Consumed(phase, variant string, run *core.Run) []core.PhaseRunRecord {
	var recs []core.PhaseRunRecord
	for _, dep := range g.hard[phase] {
		if rec, ok := lookupRecord(run, dep, variant); ok {
			recs = append(recs, rec)
		}
	}
	for _, dep := range g.soft[phase] {
		if rec, ok := lookupRecord(run, dep, variant); ok && !rec.Stale {
			recs = append(recs, rec)
		}
	}
	return recs
}

// lookupRecord finds the latest record of a prerequisite phase for the
// requested variant, falling back to the variant-agnostic line ("") when the
// upstream phase does not produce per-variant output.
func lookupRecord(run *core.Run, phase, variant string) (core.PhaseRunRecord, bool) {
	if variant != "" {
		if rec, ok := run.LatestRecord(phase, variant); ok {
			return rec, true
		}
	}
	return run.LatestRecord(phase, "")
}
