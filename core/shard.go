package core

import "encoding/json"

// Unit is one addressable piece of content flowing through the pipeline,
// e.g. a scene or a batch of lines. Key identifies the entity; Payload is the
// phase-specific content for it.
type Unit struct {
	Key     string `json:"key"`
	Payload string `json:"payload"`
}

// ShardInput is the work handed to a single agent call: one partition of a
// phase's input plus the upstream artifacts the phase was composed from.
// Sharding strategy is the caller's concern; the core receives pre-split units.
type ShardInput struct {
	Phase    string            `json:"phase"`
	Variant  string            `json:"variant,omitempty"`
	Shard    int               `json:"shard"`
	Units    []Unit            `json:"units"`
	Upstream map[string][]byte `json:"-"`
}

// ShardResult is the ephemeral output of one shard's agent call. It exists
// only during a single phase execution and is discarded after aggregation.
// Shard echoes the submission index so ordering can be verified downstream.
type ShardResult struct {
	Shard int    `json:"shard"`
	Units []Unit `json:"units"`
}

// Output is the merged result of a phase execution. It has the same schema
// whether the phase ran on one agent or was fanned out, so downstream
// consumers are agent-count-agnostic.
type Output struct {
	Units []Unit `json:"units"`
}

// Marshal encodes the output as the canonical artifact payload.
func (o Output) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalOutput decodes an artifact payload previously produced by Marshal.
func UnmarshalOutput(data []byte) (Output, error) {
	var o Output
	if err := json.Unmarshal(data, &o); err != nil {
		return Output{}, err
	}
	return o, nil
}
