// Package agent defines the agent execution contract and the
// provider-backed runtime that fulfils it.
package agent

import (
	"context"
	"encoding/json"

	"github.com/agentpay/agentpay/provider"
)

// Event is one streamed update from an agent. While Done is false,
// Updates carries progress text. The final event sets Done and carries
// the result in Content: a string for plain answers, or a
// map[string]any when the agent needs structured input from the caller.
type Event struct {
	Done    bool
	Updates string
	Content any
}

// Agent executes delegated work for a session. Implementations must be
// safe for concurrent use across sessions.
type Agent interface {
	// SupportedContentTypes lists the output modalities the agent can
	// produce, e.g. "text" or "text/plain".
	SupportedContentTypes() []string

	// Invoke runs the query to completion and returns the final text.
	Invoke(ctx context.Context, query, sessionID string) (string, error)

	// Stream runs the query and emits progress events on the returned
	// channel. The channel is closed after the final (Done) event.
	Stream(ctx context.Context, query, sessionID string) (<-chan Event, error)
}

// ToolContext carries per-invocation identity into tool implementations.
// Tools receive it explicitly instead of reaching for shared state.
type ToolContext struct {
	SessionID string
	AgentName string
}

// Tool pairs a provider-visible definition with its implementation.
type Tool struct {
	Def provider.ToolDef
	Run func(ctx context.Context, tc ToolContext, args map[string]any) (any, error)
}

// InputRequest is returned by a tool when it needs more information
// from the caller before it can proceed. Form describes what to collect.
type InputRequest struct {
	Form map[string]any
}

// wire renders the request the way remote callers expect it: a
// result envelope whose payload is the JSON-encoded form.
func (r InputRequest) wire() map[string]any {
	raw, err := json.Marshal(r.Form)
	if err != nil {
		raw = []byte("{}")
	}
	return map[string]any{
		"response": map[string]any{"result": string(raw)},
	}
}
