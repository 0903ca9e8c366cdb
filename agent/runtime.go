package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentpay/agentpay/provider"
)

// MissingInfoPrefix marks a unary response that needs more input from
// the caller before the agent can proceed. The text after the prefix is
// the JSON form describing what to collect.
const MissingInfoPrefix = "MISSING_INFO:"

const defaultMaxIterations = 10

// Config describes a provider-backed agent.
type Config struct {
	Name         string
	SystemPrompt string
	Provider     provider.Provider
	Tools        []Tool
	ContentTypes []string
	Processing   string // progress line emitted while streaming
	MaxIter      int
	Logger       *slog.Logger
}

// Runtime is the provider-backed implementation of Agent. It keeps
// per-session conversation history so follow-up turns (for example the
// answer to an input request) land in the same conversation.
type Runtime struct {
	cfg   Config
	tools map[string]Tool

	mu       sync.Mutex
	sessions map[string][]provider.Message
}

// NewRuntime creates a Runtime from the given config.
func NewRuntime(cfg Config) *Runtime {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = defaultMaxIterations
	}
	if cfg.Processing == "" {
		cfg.Processing = "Processing your request..."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Def.Name] = t
	}
	return &Runtime{
		cfg:      cfg,
		tools:    tools,
		sessions: make(map[string][]provider.Message),
	}
}

// Name returns the agent's name.
func (r *Runtime) Name() string { return r.cfg.Name }

// SupportedContentTypes lists the output modalities the agent produces.
func (r *Runtime) SupportedContentTypes() []string {
	if len(r.cfg.ContentTypes) == 0 {
		return []string{"text", "text/plain"}
	}
	return r.cfg.ContentTypes
}

// Invoke runs the query to completion and returns the final text.
// If a tool requests more input, the returned text carries the
// MissingInfoPrefix sentinel followed by the JSON form.
func (r *Runtime) Invoke(ctx context.Context, query, sessionID string) (string, error) {
	result, err := r.run(ctx, query, sessionID, nil)
	if err != nil {
		return "", err
	}
	if ir, ok := result.(InputRequest); ok {
		raw, err := json.Marshal(ir.Form)
		if err != nil {
			return "", fmt.Errorf("encode input request: %w", err)
		}
		return MissingInfoPrefix + " " + string(raw), nil
	}
	return result.(string), nil
}

// Stream runs the query and emits progress events, closing the channel
// after the final event.
func (r *Runtime) Stream(ctx context.Context, query, sessionID string) (<-chan Event, error) {
	ch := make(chan Event, 8)
	go func() {
		defer close(ch)
		emit := func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		result, err := r.run(ctx, query, sessionID, func(text string) {
			emit(Event{Updates: text})
		})
		if err != nil {
			emit(Event{Done: true, Content: fmt.Sprintf("error: %v", err)})
			return
		}
		if ir, ok := result.(InputRequest); ok {
			emit(Event{Done: true, Content: ir.wire()})
			return
		}
		emit(Event{Done: true, Content: result.(string)})
	}()
	return ch, nil
}

// run drives the provider/tool loop for one turn. It returns either the
// final string content or an InputRequest raised by a tool.
func (r *Runtime) run(ctx context.Context, query, sessionID string, progress func(string)) (any, error) {
	history := r.sessionHistory(sessionID)

	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: r.cfg.SystemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: query})

	defs := make([]provider.ToolDef, 0, len(r.cfg.Tools))
	for _, t := range r.cfg.Tools {
		defs = append(defs, t.Def)
	}

	tc := ToolContext{SessionID: sessionID, AgentName: r.cfg.Name}

	for i := 0; i < r.cfg.MaxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(r.cfg.Processing)
		}

		resp, err := r.cfg.Provider.Chat(ctx, msgs, defs)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", r.cfg.Provider.Name(), err)
		}

		if len(resp.ToolCalls) == 0 {
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			r.saveHistory(sessionID, msgs[1:])
			return resp.Content, nil
		}

		if resp.Content != "" {
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
		}
		for _, call := range resp.ToolCalls {
			result, err := r.executeTool(ctx, tc, call)
			if err != nil {
				return nil, err
			}
			if ir, ok := result.(InputRequest); ok {
				// Persist the turn so the caller's answer resumes here.
				r.saveHistory(sessionID, msgs[1:])
				return ir, nil
			}
			encoded, err := json.Marshal(result)
			if err != nil {
				encoded = []byte(fmt.Sprintf("%v", result))
			}
			msgs = append(msgs, provider.Message{
				Role:       provider.RoleTool,
				Content:    string(encoded),
				ToolCallID: call.ID,
			})
		}
	}

	r.saveHistory(sessionID, msgs[1:])
	return "", fmt.Errorf("agent %s: no final answer after %d iterations", r.cfg.Name, r.cfg.MaxIter)
}

// executeTool dispatches a tool call. Unknown tools become a tool error
// result rather than failing the whole turn.
func (r *Runtime) executeTool(ctx context.Context, tc ToolContext, call provider.ToolCall) (any, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		r.cfg.Logger.Warn("unknown tool requested", "agent", r.cfg.Name, "tool", call.Name)
		return map[string]any{"error": "unknown tool: " + call.Name}, nil
	}
	r.cfg.Logger.Debug("executing tool", "agent", r.cfg.Name, "tool", call.Name, "session", tc.SessionID)
	result, err := tool.Run(ctx, tc, call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return result, nil
}

func (r *Runtime) sessionHistory(sessionID string) []provider.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.sessions[sessionID]
	out := make([]provider.Message, len(history))
	copy(out, history)
	return out
}

func (r *Runtime) saveHistory(sessionID string, msgs []provider.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	r.sessions[sessionID] = out
}

// DecodeMissingInfo extracts the form JSON from a sentinel-bearing
// response. Returns ok=false when text does not carry the sentinel.
func DecodeMissingInfo(text string) (form map[string]any, ok bool) {
	if !strings.HasPrefix(text, MissingInfoPrefix) {
		return nil, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, MissingInfoPrefix))
	form = make(map[string]any)
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &form); err != nil {
			form = map[string]any{"message": rest}
		}
	}
	return form, true
}
