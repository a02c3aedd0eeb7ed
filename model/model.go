package model

import (
	"context"
	"fmt"
	"sync"
)

// Message is one turn of normalized model input. Role is "user" or
// "assistant"; system instructions travel on Request.System.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized model input produced by phase agents.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the final output of a generation call.
type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the minimal interface required by phase agents to drive
// generation. Implementations must respect ctx cancellation.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Responses are returned in order; when exhausted, GenerateFn (if set) is
// consulted, otherwise a canned echo of the last user message is produced.
type MockModel struct {
	mu        sync.Mutex
	responses []Response
	next      int

	// GenerateFn overrides response selection entirely when set.
	GenerateFn func(ctx context.Context, req Request) (Response, error)
	// Requests records every request received, for assertions.
	Requests []Request
}

// NewMockModel creates a MockModel returning the given responses in order.
func NewMockModel(responses ...Response) *MockModel {
	return &MockModel{responses: responses}
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.GenerateFn != nil {
		return m.GenerateFn(ctx, req)
	}
	if m.next < len(m.responses) {
		resp := m.responses[m.next]
		m.next++
		return resp, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return Response{Text: fmt.Sprintf("mock: %s", req.Messages[i].Text), FinishReason: "stop"}, nil
		}
	}
	return Response{Text: "mock", FinishReason: "stop"}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info {
	return Info{Name: "mock", Provider: "mock"}
}
