// Package model defines the minimal language model abstraction used by the
// planner to compile a free-form goal into a workflow plan. Provider adapters
// live in subpackages.
package model

import (
	"context"
	"sync"
)

// Request is a single-turn completion request.
type Request struct {
	// System is the optional system prompt.
	System string
	// Prompt is the user prompt.
	Prompt string
}

// Response is the completion result.
type Response struct {
	// Text is the generated text.
	Text string
}

// Info identifies a model for logging and diagnostics.
type Info struct {
	Provider string
	Name     string
}

// Model is the provider-neutral completion interface.
type Model interface {
	// Complete generates a single completion for the request.
	Complete(ctx context.Context, req Request) (Response, error)
	// Info returns provider and model identity.
	Info() Info
}

// MockModel returns canned responses in order, repeating the last one when
// exhausted. Useful for tests and examples without network access.
type MockModel struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// NewMockModel constructs a MockModel with the given canned responses.
func NewMockModel(responses ...string) *MockModel {
	return &MockModel{responses: responses}
}

// Complete implements Model.
func (m *MockModel) Complete(_ context.Context, _ Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return Response{}, nil
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return Response{Text: m.responses[idx]}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return Info{Provider: "mock", Name: "mock"} }

// Calls returns how many completions were requested.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
