package provider

import (
	"context"
	"sync"
)

// MockProvider replays scripted responses for demos and tests. When the
// script runs out it falls back to the Default response, or echoes the
// last user message.
type MockProvider struct {
	mu      sync.Mutex
	script  []Response
	next    int
	Default *Response

	// Handler, when set, overrides the script entirely.
	Handler func(messages []Message, tools []ToolDef) (*Response, error)
}

// NewMockProvider creates a MockProvider that plays the given responses in
// order.
func NewMockProvider(script ...Response) *MockProvider {
	return &MockProvider{script: script}
}

func (p *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response.
func (p *MockProvider) Chat(_ context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Handler != nil {
		return p.Handler(messages, tools)
	}
	if p.next < len(p.script) {
		resp := p.script[p.next]
		p.next++
		return &resp, nil
	}
	if p.Default != nil {
		resp := *p.Default
		return &resp, nil
	}

	content := "ok"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			content = messages[i].Content
			break
		}
	}
	return &Response{Content: content}, nil
}
