// Package model defines the minimal language-model interface used by
// LLM-backed phase agents, together with a normalized Request/Response shape
// and a MockModel for tests. Provider adapters live in the subpackages
// anthropic and openai.
package model
