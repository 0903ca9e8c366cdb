package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/agentpay/agentpay/provider"
)

func newTestRuntime(t *testing.T, p provider.Provider, tools ...Tool) *Runtime {
	t.Helper()
	return NewRuntime(Config{
		Name:         "test-agent",
		SystemPrompt: "You are a test agent.",
		Provider:     p,
		Tools:        tools,
	})
}

func TestRuntime_Invoke_Plain(t *testing.T) {
	p := provider.NewMockProvider(provider.Response{Content: "all done"})
	r := newTestRuntime(t, p)

	got, err := r.Invoke(context.Background(), "do the thing", "sess-1")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "all done" {
		t.Errorf("Invoke = %q, want %q", got, "all done")
	}
}

func TestRuntime_Invoke_ToolLoop(t *testing.T) {
	var gotArgs map[string]any
	var gotCtx ToolContext
	tool := Tool{
		Def: provider.ToolDef{Name: "lookup", Description: "look something up"},
		Run: func(_ context.Context, tc ToolContext, args map[string]any) (any, error) {
			gotCtx = tc
			gotArgs = args
			return map[string]any{"found": true}, nil
		},
	}
	p := provider.NewMockProvider(
		provider.Response{ToolCalls: []provider.ToolCall{{
			ID:        "call-1",
			Name:      "lookup",
			Arguments: map[string]any{"key": "abc"},
		}}},
		provider.Response{Content: "found it"},
	)
	r := newTestRuntime(t, p, tool)

	got, err := r.Invoke(context.Background(), "find abc", "sess-2")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "found it" {
		t.Errorf("Invoke = %q, want %q", got, "found it")
	}
	if gotArgs["key"] != "abc" {
		t.Errorf("tool args = %v, want key=abc", gotArgs)
	}
	if gotCtx.SessionID != "sess-2" {
		t.Errorf("tool context session = %q, want sess-2", gotCtx.SessionID)
	}
	if gotCtx.AgentName != "test-agent" {
		t.Errorf("tool context agent = %q, want test-agent", gotCtx.AgentName)
	}
}

func TestRuntime_Invoke_InputRequest(t *testing.T) {
	tool := Tool{
		Def: provider.ToolDef{Name: "request_form"},
		Run: func(_ context.Context, _ ToolContext, _ map[string]any) (any, error) {
			return InputRequest{Form: map[string]any{"field": "destination"}}, nil
		},
	}
	p := provider.NewMockProvider(
		provider.Response{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "request_form"}}},
	)
	r := newTestRuntime(t, p, tool)

	got, err := r.Invoke(context.Background(), "book a ride", "sess-3")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.HasPrefix(got, MissingInfoPrefix) {
		t.Fatalf("Invoke = %q, want %s prefix", got, MissingInfoPrefix)
	}
	form, ok := DecodeMissingInfo(got)
	if !ok {
		t.Fatal("DecodeMissingInfo did not recognize sentinel")
	}
	if form["field"] != "destination" {
		t.Errorf("form = %v, want field=destination", form)
	}
}

func TestRuntime_Stream(t *testing.T) {
	p := provider.NewMockProvider(provider.Response{Content: "streamed answer"})
	r := newTestRuntime(t, p)

	ch, err := r.Stream(context.Background(), "hello", "sess-4")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2 (progress + final)", len(events))
	}
	first, last := events[0], events[len(events)-1]
	if first.Done {
		t.Error("first event marked Done")
	}
	if first.Updates == "" {
		t.Error("first event has no progress text")
	}
	if !last.Done {
		t.Fatal("final event not marked Done")
	}
	if last.Content != "streamed answer" {
		t.Errorf("final content = %v, want %q", last.Content, "streamed answer")
	}
}

func TestRuntime_Stream_InputRequest(t *testing.T) {
	tool := Tool{
		Def: provider.ToolDef{Name: "request_form"},
		Run: func(_ context.Context, _ ToolContext, _ map[string]any) (any, error) {
			return InputRequest{Form: map[string]any{"a": float64(1)}}, nil
		},
	}
	p := provider.NewMockProvider(
		provider.Response{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "request_form"}}},
	)
	r := newTestRuntime(t, p, tool)

	ch, err := r.Stream(context.Background(), "need info", "sess-5")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var last Event
	for ev := range ch {
		last = ev
	}
	if !last.Done {
		t.Fatal("final event not marked Done")
	}
	content, ok := last.Content.(map[string]any)
	if !ok {
		t.Fatalf("final content type = %T, want map", last.Content)
	}
	resp, ok := content["response"].(map[string]any)
	if !ok {
		t.Fatalf("content missing response envelope: %v", content)
	}
	if _, ok := resp["result"].(string); !ok {
		t.Fatalf("response.result is %T, want JSON string", resp["result"])
	}
}

func TestRuntime_SessionHistoryCarriesOver(t *testing.T) {
	var seen []provider.Message
	p := &provider.MockProvider{
		Handler: func(messages []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
			seen = make([]provider.Message, len(messages))
			copy(seen, messages)
			return &provider.Response{Content: "ok"}, nil
		},
	}
	r := newTestRuntime(t, p)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, "first turn", "sess-6"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, err := r.Invoke(ctx, "second turn", "sess-6"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var userTurns []string
	for _, m := range seen {
		if m.Role == provider.RoleUser {
			userTurns = append(userTurns, m.Content)
		}
	}
	if len(userTurns) != 2 || userTurns[0] != "first turn" || userTurns[1] != "second turn" {
		t.Errorf("user turns = %v, want [first turn, second turn]", userTurns)
	}

	// A different session starts fresh.
	if _, err := r.Invoke(ctx, "other session", "sess-7"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	count := 0
	for _, m := range seen {
		if m.Role == provider.RoleUser {
			count++
		}
	}
	if count != 1 {
		t.Errorf("fresh session saw %d user turns, want 1", count)
	}
}

func TestRuntime_UnknownTool(t *testing.T) {
	p := provider.NewMockProvider(
		provider.Response{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "no_such_tool"}}},
		provider.Response{Content: "recovered"},
	)
	r := newTestRuntime(t, p)

	got, err := r.Invoke(context.Background(), "try it", "sess-8")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "recovered" {
		t.Errorf("Invoke = %q, want %q", got, "recovered")
	}
}
