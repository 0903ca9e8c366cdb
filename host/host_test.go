package host

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentpay/agentpay/chain"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/protocol"
)

const remoteAddr = "0xabcdef0000000000000000000000000000000000000000000000000000000000"

// fakeClient records the delivered params and answers with a scripted task.
type fakeClient struct {
	lastParams protocol.TaskSendParams
	respond    func(params protocol.TaskSendParams) *protocol.Task
}

func (c *fakeClient) SendTask(_ context.Context, params protocol.TaskSendParams) (*protocol.Task, error) {
	c.lastParams = params
	return c.respond(params), nil
}

func completedWith(parts ...protocol.Part) func(protocol.TaskSendParams) *protocol.Task {
	return func(params protocol.TaskSendParams) *protocol.Task {
		return &protocol.Task{
			ID:        params.ID,
			SessionID: params.SessionID,
			Status:    protocol.TaskStatus{State: protocol.StateCompleted},
			Artifacts: []protocol.Artifact{{Parts: parts}},
		}
	}
}

// fakeLedger is a scriptable chain.Ledger for the write path.
type fakeLedger struct {
	chain.Ledger

	connected  bool
	hasAccount bool
	address    string
	stats      chain.TaskStats
	createFn   func(taskID, serviceAgent string, amount, deadline uint64) chain.TxResult

	gotTaskID  string
	gotService string
	gotAmount  uint64
}

func (l *fakeLedger) Connected(context.Context) bool { return l.connected }
func (l *fakeLedger) HasAccount() bool               { return l.hasAccount }
func (l *fakeLedger) Address() string                { return l.address }
func (l *fakeLedger) ModuleAddress() string          { return "0xmod" }

func (l *fakeLedger) TaskStats(_ context.Context, _ string) (chain.TaskStats, error) {
	return l.stats, nil
}

func (l *fakeLedger) CreateTask(_ context.Context, taskID, serviceAgent string, amount, deadline uint64, _ string) chain.TxResult {
	l.gotTaskID = taskID
	l.gotService = serviceAgent
	l.gotAmount = amount
	if l.createFn != nil {
		return l.createFn(taskID, serviceAgent, amount, deadline)
	}
	return chain.TxResult{Success: true, TxHash: "0xfeed"}
}

type fakeSigner struct{}

func (fakeSigner) Address() string { return "0xhost" }
func (fakeSigner) SignDelegation(sessionID string) (string, error) {
	return "sig-over-" + sessionID, nil
}

func rideCard(addr string) *protocol.AgentCard {
	card := &protocol.AgentCard{Name: "ride_agent", URL: "http://ride:10003", Version: "1.0.0"}
	if addr != "" {
		card.Metadata = map[string]any{"aptos_address": addr}
	}
	return card
}

func newHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	cfg.Logger = slog.New(slog.DiscardHandler)
	return New(cfg)
}

func TestSendTask_FlattensAndSigns(t *testing.T) {
	fileBytes := base64.StdEncoding.EncodeToString([]byte("receipt pdf bytes"))
	client := &fakeClient{respond: completedWith(
		protocol.TextPart("your ride is booked"),
		protocol.DataPart(map[string]any{"booking_id": "B123"}),
		protocol.FilePart(protocol.FileContent{Name: "receipt.pdf", Bytes: fileBytes}),
	)}
	saver, err := NewDirSaver(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirSaver: %v", err)
	}
	h := newHost(t, Config{Signer: fakeSigner{}, Saver: saver})
	h.Register(rideCard(remoteAddr), client)

	resp, err := h.SendTask(context.Background(), "ride_agent", "book me a ride", "conv1")
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if resp.State != protocol.StateCompleted || resp.InputRequired {
		t.Errorf("state = %v, want completed", resp.State)
	}
	if len(resp.Content) != 3 {
		t.Fatalf("content = %d items, want 3", len(resp.Content))
	}
	if resp.Content[0] != "your ride is booked" {
		t.Errorf("text = %v", resp.Content[0])
	}
	data, ok := resp.Content[1].(map[string]any)
	if !ok || data["booking_id"] != "B123" {
		t.Errorf("data = %v", resp.Content[1])
	}
	ref, ok := resp.Content[2].(map[string]any)
	if !ok || ref["artifact-file-id"] == "" || ref["name"] != "receipt.pdf" {
		t.Errorf("file ref = %v", resp.Content[2])
	}

	auth, ok := client.lastParams.Message.Auth()
	if !ok {
		t.Fatal("delivered message has no auth block")
	}
	if auth.Address != "0xhost" || auth.Signature != "sig-over-"+resp.SessionID {
		t.Errorf("auth = %+v", auth)
	}
	if _, ok := client.lastParams.Message.Chain(); ok {
		t.Error("plain SendTask must not attach blockchain metadata")
	}
}

func TestSendTask_InputRequiredKeepsSession(t *testing.T) {
	client := &fakeClient{respond: func(params protocol.TaskSendParams) *protocol.Task {
		return &protocol.Task{
			ID:        params.ID,
			SessionID: params.SessionID,
			Status: protocol.TaskStatus{
				State:   protocol.StateInputRequired,
				Message: &protocol.Message{Role: "agent", Parts: []protocol.Part{protocol.TextPart("which car type?")}},
			},
		}
	}}
	h := newHost(t, Config{})
	h.Register(rideCard(remoteAddr), client)

	resp, err := h.SendTask(context.Background(), "ride_agent", "book me a ride", "conv1")
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if !resp.InputRequired {
		t.Fatal("want InputRequired")
	}
	firstTask := client.lastParams.ID

	// The follow-up turn in the same conversation reuses the task.
	if _, err := h.SendTask(context.Background(), "ride_agent", "uberx please", "conv1"); err != nil {
		t.Fatalf("second SendTask: %v", err)
	}
	if client.lastParams.ID != firstTask {
		t.Errorf("follow-up task id = %s, want %s", client.lastParams.ID, firstTask)
	}
}

func TestSendTask_NewTaskAfterCompletion(t *testing.T) {
	client := &fakeClient{respond: completedWith(protocol.TextPart("done"))}
	h := newHost(t, Config{})
	h.Register(rideCard(remoteAddr), client)

	if _, err := h.SendTask(context.Background(), "ride_agent", "first", "conv1"); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	firstTask := client.lastParams.ID
	if _, err := h.SendTask(context.Background(), "ride_agent", "second", "conv1"); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if client.lastParams.ID == firstTask {
		t.Error("completed conversation should start a fresh task")
	}
}

func TestSendTask_CanceledIsError(t *testing.T) {
	client := &fakeClient{respond: func(params protocol.TaskSendParams) *protocol.Task {
		return &protocol.Task{ID: params.ID, Status: protocol.TaskStatus{State: protocol.StateCanceled}}
	}}
	h := newHost(t, Config{})
	h.Register(rideCard(remoteAddr), client)

	_, err := h.SendTask(context.Background(), "ride_agent", "book", "conv1")
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("err = %v, want canceled error", err)
	}
}

func TestSendTask_UnknownAgent(t *testing.T) {
	h := newHost(t, Config{})
	if _, err := h.SendTask(context.Background(), "nobody", "hi", "conv1"); err == nil {
		t.Fatal("want error for unknown agent")
	}
}

func TestConfirmTask_Confirmed(t *testing.T) {
	client := &fakeClient{respond: completedWith(protocol.TextPart("booked"))}
	ledger := &fakeLedger{connected: true, hasAccount: true}
	h := newHost(t, Config{
		Signer:  fakeSigner{},
		Ledger:  ledger,
		NodeURL: "https://fullnode.testnet.aptoslabs.com/v1",
	})
	h.Register(rideCard(remoteAddr), client)

	d, err := h.ConfirmTask(context.Background(), "ride_agent", "book a ride", "conv1")
	if err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	if !d.Confirmed || d.Confirmation == nil {
		t.Fatalf("delegation = %+v, want confirmed with evidence", d)
	}
	if d.Confirmation.TxHash != "0xfeed" || d.Confirmation.ModuleAddress != "0xmod" {
		t.Errorf("confirmation = %+v", d.Confirmation)
	}
	if !strings.Contains(d.Confirmation.ExplorerURL, "0xfeed") {
		t.Errorf("explorer url = %q", d.Confirmation.ExplorerURL)
	}
	if ledger.gotService != remoteAddr {
		t.Errorf("escrowed for %q, want card address", ledger.gotService)
	}
	if ledger.gotAmount != chain.DefaultBounty {
		t.Errorf("bounty = %d, want default", ledger.gotAmount)
	}

	blk, ok := client.lastParams.Message.Chain()
	if !ok {
		t.Fatal("delivered message has no blockchain block")
	}
	if blk.CreateTask.TxHash != "0xfeed" || blk.CreateTask.ModuleAddress != "0xmod" {
		t.Errorf("chain block = %+v", blk)
	}
	if _, ok := client.lastParams.Message.Auth(); !ok {
		t.Error("delivered message has no auth block")
	}
}

func TestConfirmTask_EscrowKeyedBySessionID(t *testing.T) {
	client := &fakeClient{respond: completedWith(protocol.TextPart("booked"))}
	ledger := &fakeLedger{connected: true, hasAccount: true}
	h := newHost(t, Config{Ledger: ledger})
	h.Register(rideCard(remoteAddr), client)

	if _, err := h.ConfirmTask(context.Background(), "ride_agent", "book a ride", "conv1"); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	// The service agent claims the bounty under the session id it was
	// delivered, so the escrow must be created under that same id.
	if ledger.gotTaskID != client.lastParams.SessionID {
		t.Errorf("escrow created under %q, want delivered session id %q",
			ledger.gotTaskID, client.lastParams.SessionID)
	}
	if ledger.gotTaskID == client.lastParams.ID {
		t.Error("escrow must not be keyed by the protocol task id")
	}
}

func TestDelegationEventsOnBus(t *testing.T) {
	client := &fakeClient{respond: completedWith(protocol.TextPart("booked"))}
	bus := comms.NewInMemoryBus()
	var events []*comms.Event
	unsub := bus.Subscribe(comms.Wildcard, func(_ context.Context, ev *comms.Event) error {
		events = append(events, ev)
		return nil
	})
	defer unsub()

	h := newHost(t, Config{
		Ledger: &fakeLedger{connected: true, hasAccount: true},
		Bus:    bus,
	})
	h.Register(rideCard(remoteAddr), client)

	if _, err := h.ConfirmTask(context.Background(), "ride_agent", "book", "conv1"); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	if _, err := h.SendTask(context.Background(), "ride_agent", "another", "conv2"); err != nil {
		t.Fatalf("SendTask: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type != comms.TypeDelegation || ev.Agent != "ride_agent" {
			t.Errorf("event = %+v, want delegation by ride_agent", ev)
		}
	}
	confirmed := events[0].Payload.(map[string]any)["confirmed"]
	if confirmed != true {
		t.Errorf("confirmed = %v, want true", confirmed)
	}
	if events[1].Payload.(map[string]any)["confirmed"] != false {
		t.Error("plain SendTask should publish an unconfirmed delegation")
	}
}

func TestChainStats(t *testing.T) {
	ledger := &fakeLedger{
		address: remoteAddr,
		stats:   chain.TaskStats{Total: 5, Completed: 3, Cancelled: 1},
	}
	h := newHost(t, Config{Ledger: ledger})

	stats, err := h.ChainStats(context.Background())
	if err != nil {
		t.Fatalf("ChainStats: %v", err)
	}
	if stats.Total != 5 || stats.Completed != 3 || stats.Cancelled != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// Without a configured account the counters are unavailable.
	h = newHost(t, Config{Ledger: &fakeLedger{}})
	if _, err := h.ChainStats(context.Background()); err == nil {
		t.Fatal("want error without account")
	}
}

func TestConfirmTask_FallbackPaths(t *testing.T) {
	tests := []struct {
		name   string
		card   *protocol.AgentCard
		ledger *fakeLedger
	}{
		{"unreachable ledger", rideCard(remoteAddr), &fakeLedger{connected: false, hasAccount: true}},
		{"no signing account", rideCard(remoteAddr), &fakeLedger{connected: true, hasAccount: false}},
		{"no remote address", rideCard(""), &fakeLedger{connected: true, hasAccount: true}},
		{"escrow submission fails", rideCard(remoteAddr), &fakeLedger{
			connected: true, hasAccount: true,
			createFn: func(string, string, uint64, uint64) chain.TxResult {
				return chain.TxResult{Success: false, Error: "INSUFFICIENT_BALANCE"}
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{respond: completedWith(protocol.TextPart("booked"))}
			h := newHost(t, Config{Signer: fakeSigner{}, Ledger: tt.ledger})
			h.Register(tt.card, client)

			d, err := h.ConfirmTask(context.Background(), "ride_agent", "book a ride", "conv1")
			if err != nil {
				t.Fatalf("ConfirmTask: %v", err)
			}
			if d.Confirmed || d.Confirmation != nil {
				t.Fatalf("delegation = %+v, want unconfirmed fallback", d)
			}
			if _, ok := client.lastParams.Message.Chain(); ok {
				t.Error("fallback delivery must not attach blockchain metadata")
			}
		})
	}
}

func TestConfirmTask_DefaultRemoteAddr(t *testing.T) {
	client := &fakeClient{respond: completedWith(protocol.TextPart("booked"))}
	ledger := &fakeLedger{connected: true, hasAccount: true}
	h := newHost(t, Config{Ledger: ledger, DefaultRemoteAddr: remoteAddr})
	h.Register(rideCard(""), client)

	d, err := h.ConfirmTask(context.Background(), "ride_agent", "book", "conv1")
	if err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}
	if !d.Confirmed {
		t.Fatal("want confirmed via default remote address")
	}
	if ledger.gotService != remoteAddr {
		t.Errorf("escrowed for %q, want env default", ledger.gotService)
	}
}

func TestDirSaver(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewDirSaver(dir)
	if err != nil {
		t.Fatalf("NewDirSaver: %v", err)
	}

	id, err := saver.Save("s1", protocol.FileContent{
		Name:  "receipt.txt",
		Bytes: base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "s1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), id) {
		t.Fatalf("entries = %v, want one file named by id", entries)
	}
	data, err := os.ReadFile(filepath.Join(dir, "s1", entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	// URI-only files pass the URI through as the reference.
	id, err = saver.Save("s1", protocol.FileContent{Name: "r", URI: "https://example.com/r"})
	if err != nil {
		t.Fatalf("Save uri: %v", err)
	}
	if id != "https://example.com/r" {
		t.Errorf("uri ref = %q", id)
	}
}
