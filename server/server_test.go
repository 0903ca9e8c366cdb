package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentpay/agentpay/agent"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/config"
	"github.com/agentpay/agentpay/manager"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/task"
)

// scriptedAgent answers every query the same way.
type scriptedAgent struct {
	invokeResult string
	streamEvents []agent.Event
}

func (a *scriptedAgent) SupportedContentTypes() []string { return []string{"text", "text/plain"} }

func (a *scriptedAgent) Invoke(_ context.Context, _, _ string) (string, error) {
	return a.invokeResult, nil
}

func (a *scriptedAgent) Stream(_ context.Context, _, _ string) (<-chan agent.Event, error) {
	ch := make(chan agent.Event, len(a.streamEvents))
	for _, ev := range a.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, ag agent.Agent, mutate ...func(*Server)) *httptest.Server {
	t.Helper()
	store := task.NewMemoryStore()
	mgr := manager.New(manager.Config{
		Agent:  ag,
		Store:  store,
		Logger: slog.New(slog.DiscardHandler),
	})
	cfg := *config.DefaultConfig()
	card := protocol.AgentCard{
		Name:    "ride_agent",
		URL:     "http://localhost:10003",
		Version: "1.0.0",
		Capabilities: protocol.AgentCapabilities{
			Streaming: true,
		},
	}
	s := New(cfg, card, mgr, slog.New(slog.DiscardHandler))
	s.SetTaskStore(store)
	for _, fn := range mutate {
		fn(s)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func rpcCall(t *testing.T, url, method string, params any) *protocol.Response {
	t.Helper()
	rawParams, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, _ := json.Marshal(protocol.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  rawParams,
	})
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func sendParams(id string) protocol.TaskSendParams {
	return protocol.TaskSendParams{
		ID:        id,
		SessionID: "sess-" + id,
		Message: protocol.Message{
			Role:  "user",
			Parts: []protocol.Part{protocol.TextPart("hello")},
		},
	}
}

func TestAgentCardEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"})

	resp, err := http.Get(ts.URL + protocol.AgentCardPath)
	if err != nil {
		t.Fatalf("GET card: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var card protocol.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "ride_agent" {
		t.Errorf("card name = %q, want ride_agent", card.Name)
	}
	if !card.Capabilities.Streaming {
		t.Error("card should advertise streaming")
	}
}

func TestSendTaskRoundTrip(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "your ride is booked"})

	resp := rpcCall(t, ts.URL, protocol.MethodSendTask, sendParams("t1"))
	if resp.Error != nil {
		t.Fatalf("rpc error: %v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var got protocol.Task
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if got.Status.State != protocol.StateCompleted {
		t.Errorf("state = %v, want completed", got.Status.State)
	}

	// tasks/get sees the same task.
	resp = rpcCall(t, ts.URL, protocol.MethodGetTask, protocol.TaskQueryParams{ID: "t1"})
	if resp.Error != nil {
		t.Fatalf("tasks/get error: %v", resp.Error)
	}
}

func TestSendTaskSubscribe_SSE(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{streamEvents: []agent.Event{
		{Updates: "working on it"},
		{Done: true, Content: "all set"},
	}})

	rawParams, _ := json.Marshal(sendParams("t2"))
	body, _ := json.Marshal(protocol.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  protocol.MethodSendTaskSubscribe,
		Params:  rawParams,
	})
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	var statuses []protocol.TaskStatusUpdateEvent
	var artifacts int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var envelope struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *protocol.Error `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope); err != nil {
			t.Fatalf("decode SSE frame: %v", err)
		}
		if envelope.Error != nil {
			t.Fatalf("stream error frame: %v", envelope.Error)
		}
		if string(envelope.ID) != "7" {
			t.Errorf("frame id = %s, want 7", envelope.ID)
		}
		var status protocol.TaskStatusUpdateEvent
		if err := json.Unmarshal(envelope.Result, &status); err == nil && status.Status.State != "" {
			statuses = append(statuses, status)
			continue
		}
		artifacts++
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		t.Fatalf("scan: %v", err)
	}

	if len(statuses) < 3 {
		t.Fatalf("status frames = %d, want working + completed + final", len(statuses))
	}
	if statuses[0].Status.State != protocol.StateWorking {
		t.Errorf("first state = %v, want working", statuses[0].Status.State)
	}
	last := statuses[len(statuses)-1]
	if !last.Final || last.Status.State != protocol.StateCompleted {
		t.Errorf("last frame = %+v, want final completed", last)
	}
	if artifacts != 1 {
		t.Errorf("artifact frames = %d, want 1", artifacts)
	}
}

func TestMethodNotFound(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"})

	resp := rpcCall(t, ts.URL, "tasks/nonsense", map[string]any{})
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("error = %v, want method not found", resp.Error)
	}
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"})

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == nil || out.Error.Code != protocol.CodeParseError {
		t.Fatalf("error = %v, want parse error", out.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"}, func(s *Server) {
		s.SetMetrics(metrics.New())
	})

	if resp := rpcCall(t, ts.URL, protocol.MethodSendTask, sendParams("t3")); resp.Error != nil {
		t.Fatalf("send: %v", resp.Error)
	}
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "agentpay_rpc_request_duration_seconds") {
		t.Errorf("metrics output missing request duration histogram")
	}
}

func TestLoginAndProtectedRoute(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"}, func(s *Server) {
		s.cfg.Auth.AdminUser = "admin"
		s.cfg.Auth.AdminPass = string(hash)
		s.cfg.Auth.JWTSecret = "test-secret"
	})

	// Unauthenticated access is rejected.
	resp, err := http.Get(ts.URL + "/api/tasks/t1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Wrong password is rejected.
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	resp, err = http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", resp.StatusCode)
	}

	// Correct login yields a usable token.
	body, _ = json.Marshal(loginRequest{Username: "admin", Password: "hunter2"})
	resp, err = http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	resp.Body.Close()
	if lr.Token == "" {
		t.Fatal("empty token")
	}

	// Create a task, then fetch it through the protected route.
	if r := rpcCall(t, ts.URL, protocol.MethodSendTask, sendParams("t1")); r.Error != nil {
		t.Fatalf("send: %v", r.Error)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/tasks/t1", nil)
	req.Header.Set("Authorization", "Bearer "+lr.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"}, func(s *Server) {
		s.SetBus(comms.NewInMemoryBus())
	})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["agent"] != "ride_agent" {
		t.Errorf("agent = %v, want ride_agent", status["agent"])
	}
}

func TestOpsEventsRequireToken(t *testing.T) {
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"}, func(s *Server) {
		s.SetBus(comms.NewInMemoryBus())
	})

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestOpsEventsReplayHistory(t *testing.T) {
	bus := comms.NewInMemoryBus()
	if err := bus.Publish(context.Background(), &comms.Event{
		Type:   comms.TypeStatus,
		TaskID: "t9",
		State:  protocol.StateCompleted,
		Final:  true,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ts := newTestServer(t, &scriptedAgent{invokeResult: "hi"}, func(s *Server) {
		s.cfg.Auth.JWTSecret = "test-secret"
		s.SetBus(bus)
	})

	token, err := signJWT("test-secret", "admin", time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var connected bool
	var replayed *comms.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if strings.Contains(payload, `"connected"`) {
			connected = true
			continue
		}
		var ev comms.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		replayed = &ev
		cancel()
		break
	}

	if !connected {
		t.Error("no connected frame before history replay")
	}
	if replayed == nil {
		t.Fatal("no history frame replayed")
	}
	if replayed.TaskID != "t9" || replayed.Type != comms.TypeStatus {
		t.Errorf("replayed event = %+v, want status for t9", replayed)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := signJWT("secret", "admin", time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	subject, err := verifyJWT("secret", token)
	if err != nil {
		t.Fatalf("verifyJWT: %v", err)
	}
	if subject != "admin" {
		t.Errorf("subject = %q", subject)
	}
	if _, err := verifyJWT("wrong", token); err == nil {
		t.Error("wrong secret should fail")
	}
	expired, err := signJWT("secret", "admin", -time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	if _, err := verifyJWT("secret", expired); err == nil {
		t.Error("expired token should fail")
	}
}
