// Package core contains the foundational types of PhaseMesh: the run state
// model (Run, PhaseRunRecord, Dependency), shard input/output values, the
// lifecycle Event type, the error taxonomy, and the ports (Agent, AgentPool,
// RunStore, ArtifactStore, Sink) implemented by external collaborators.
//
// Everything else in the module depends on core; core depends only on the
// logging abstraction.
package core
