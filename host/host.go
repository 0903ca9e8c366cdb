// Package host orchestrates task delegation to remote agents: it resolves
// their cards, signs delegations, optionally escrows a bounty on-chain,
// and flattens responses for the caller.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay/chain"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/signature"
)

// RemoteClient is the slice of the protocol client the orchestrator needs.
type RemoteClient interface {
	SendTask(ctx context.Context, params protocol.TaskSendParams) (*protocol.Task, error)
}

// Connection pairs a remote agent's card with a client for its URL.
type Connection struct {
	Card   *protocol.AgentCard
	Client RemoteClient
}

// sessionState tracks one conversation's delegation to one remote agent.
// The demo model runs one turn per conversation at a time, so access is
// guarded only by the registry mutex around lookup and store.
type sessionState struct {
	taskID string
	active bool
}

// Config assembles an orchestrator. Signer, Ledger, Metrics, and Saver
// are all optional; absent ones disable the corresponding behavior.
type Config struct {
	Signer            signature.Signer
	Ledger            chain.Ledger
	NodeURL           string
	DefaultRemoteAddr string
	Bounty            uint64
	DeadlineSeconds   uint64
	Saver             ArtifactSaver
	Bus               comms.Bus
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Host is the delegation orchestrator.
type Host struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	sessions map[string]*sessionState
}

// New creates a Host with no registered remotes.
func New(cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Host{
		cfg:      cfg,
		logger:   cfg.Logger,
		conns:    make(map[string]*Connection),
		sessions: make(map[string]*sessionState),
	}
}

// Register adds a remote agent connection keyed by its card name.
func (h *Host) Register(card *protocol.AgentCard, client RemoteClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[card.Name] = &Connection{Card: card, Client: client}
}

// Agents lists the registered remote cards.
func (h *Host) Agents() []protocol.AgentCard {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.AgentCard, 0, len(h.conns))
	for _, conn := range h.conns {
		out = append(out, *conn.Card)
	}
	return out
}

// Response is a flattened remote task response.
type Response struct {
	TaskID    string
	SessionID string
	State     protocol.TaskState

	// Content holds the response payload in order: strings for text
	// parts, maps for data parts, artifact references for file parts.
	Content []any

	// InputRequired signals that the remote agent needs more information;
	// the caller should hand control back to the user instead of
	// summarizing.
	InputRequired bool
}

// ChainConfirmation is the escrow evidence appended by a confirmed
// delegation.
type ChainConfirmation struct {
	TxHash          string `json:"tx_hash"`
	ModuleAddress   string `json:"module_address"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
	Bounty          uint64 `json:"bounty"`
	DeadlineSeconds uint64 `json:"deadline_seconds"`
}

// Delegation is the result of ConfirmTask. Confirmed is false on every
// fallback path, and Confirmation is set only when Confirmed is true.
type Delegation struct {
	Response     *Response
	Confirmed    bool
	Confirmation *ChainConfirmation
}

// SendTask delegates instruction to the named remote agent without any
// on-chain escrow.
func (h *Host) SendTask(ctx context.Context, agentName, instruction, conversationID string) (*Response, error) {
	conn, err := h.connection(agentName)
	if err != nil {
		return nil, err
	}
	taskID, sessionID := h.taskIdentity(conversationID)
	msg := h.buildMessage(instruction, sessionID)
	resp, err := h.deliver(ctx, conn, agentName, taskID, sessionID, msg)
	if err != nil {
		return nil, err
	}
	h.publishDelegation(taskID, sessionID, agentName, false)
	return resp, nil
}

// ConfirmTask escrows a bounty on-chain for the delegation, then delivers
// it with auth and blockchain evidence attached. Every ledger-side failure
// falls back to plain delivery with Confirmed=false; delegation never
// fails because the chain does.
func (h *Host) ConfirmTask(ctx context.Context, agentName, instruction, conversationID string) (*Delegation, error) {
	conn, err := h.connection(agentName)
	if err != nil {
		return nil, err
	}
	taskID, sessionID := h.taskIdentity(conversationID)

	remoteAddr := conn.Card.ChainAddress()
	if remoteAddr == "" {
		remoteAddr = h.cfg.DefaultRemoteAddr
	}

	reason := h.confirmPrecondition(ctx, remoteAddr)
	if reason != "" {
		h.logger.Warn("falling back to plain delegation",
			slog.String("agent", agentName), slog.String("reason", reason))
		return h.fallback(ctx, conn, agentName, taskID, sessionID, instruction)
	}

	// The escrow is keyed by the session id: the service agent claims
	// the bounty with the session id it sees on the delegation.
	res := h.cfg.Ledger.CreateTask(ctx, sessionID, remoteAddr, h.bounty(), h.deadline(), instruction)
	h.countSubmission("create_task", res.Success)
	if !res.Success {
		h.logger.Warn("escrow creation failed, falling back to plain delegation",
			slog.String("agent", agentName), slog.String("error", res.Error))
		return h.fallback(ctx, conn, agentName, taskID, sessionID, instruction)
	}

	msg := h.buildMessage(instruction, sessionID)
	msg.SetChain(protocol.ChainBlock{CreateTask: protocol.ChainCreateTask{
		TxHash:        res.TxHash,
		ModuleAddress: h.cfg.Ledger.ModuleAddress(),
	}})

	resp, err := h.deliver(ctx, conn, agentName, taskID, sessionID, msg)
	if err != nil {
		return nil, err
	}
	h.countDelegation("confirmed")
	h.publishDelegation(taskID, sessionID, agentName, true)
	return &Delegation{
		Response:  resp,
		Confirmed: true,
		Confirmation: &ChainConfirmation{
			TxHash:          res.TxHash,
			ModuleAddress:   h.cfg.Ledger.ModuleAddress(),
			ExplorerURL:     chain.ExplorerTxURL(h.cfg.NodeURL, res.TxHash),
			Bounty:          h.bounty(),
			DeadlineSeconds: h.deadline(),
		},
	}, nil
}

// confirmPrecondition names the first failed escrow precondition, or
// returns empty when escrow can proceed.
func (h *Host) confirmPrecondition(ctx context.Context, remoteAddr string) string {
	switch {
	case h.cfg.Ledger == nil:
		return "no ledger configured"
	case remoteAddr == "":
		return "remote agent has no on-chain address"
	case !h.cfg.Ledger.HasAccount():
		return "no signing account configured"
	case !h.cfg.Ledger.Connected(ctx):
		return "ledger node unreachable"
	}
	return ""
}

// fallback is the unconfirmed delivery path of ConfirmTask.
func (h *Host) fallback(ctx context.Context, conn *Connection, agentName, taskID, sessionID, instruction string) (*Delegation, error) {
	msg := h.buildMessage(instruction, sessionID)
	resp, err := h.deliver(ctx, conn, agentName, taskID, sessionID, msg)
	if err != nil {
		return nil, err
	}
	h.countDelegation("fallback")
	h.publishDelegation(taskID, sessionID, agentName, false)
	return &Delegation{Response: resp, Confirmed: false}, nil
}

// publishDelegation fans a delegation event out on the bus for the ops
// feed.
func (h *Host) publishDelegation(taskID, sessionID, agentName string, confirmed bool) {
	if h.cfg.Bus == nil {
		return
	}
	_ = h.cfg.Bus.Publish(context.Background(), &comms.Event{
		Type:      comms.TypeDelegation,
		TaskID:    taskID,
		SessionID: sessionID,
		Agent:     agentName,
		Payload:   map[string]any{"confirmed": confirmed},
		Timestamp: time.Now().UTC(),
	})
}

// ChainStats reads the host account's aggregate escrow counters.
func (h *Host) ChainStats(ctx context.Context) (chain.TaskStats, error) {
	if h.cfg.Ledger == nil {
		return chain.TaskStats{}, errors.New("no ledger configured")
	}
	addr := h.cfg.Ledger.Address()
	if addr == "" {
		return chain.TaskStats{}, chain.ErrNoAccount
	}
	return h.cfg.Ledger.TaskStats(ctx, addr)
}

// connection looks up a registered remote by card name.
func (h *Host) connection(agentName string) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[agentName]
	if !ok {
		return nil, fmt.Errorf("unknown remote agent %q", agentName)
	}
	return conn, nil
}

// taskIdentity resolves the task and session ids for a conversation. A
// conversation with an active session keeps its ids so multi-turn
// exchanges (input-required round trips) land on the same task.
func (h *Host) taskIdentity(conversationID string) (taskID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	state, ok := h.sessions[conversationID]
	if ok && state.active {
		return state.taskID, conversationID
	}
	state = &sessionState{taskID: uuid.NewString(), active: true}
	h.sessions[conversationID] = state
	return state.taskID, conversationID
}

// buildMessage assembles the outgoing user message, signing the
// delegation when a signer is configured.
func (h *Host) buildMessage(instruction, sessionID string) protocol.Message {
	msg := protocol.Message{
		Role:  "user",
		Parts: []protocol.Part{protocol.TextPart(instruction)},
	}
	if h.cfg.Signer == nil {
		return msg
	}
	sig, err := h.cfg.Signer.SignDelegation(sessionID)
	if err != nil {
		h.logger.Warn("delegation signing failed", slog.String("error", err.Error()))
		return msg
	}
	msg.SetAuth(protocol.AuthBlock{Address: h.cfg.Signer.Address(), Signature: sig})
	return msg
}

// deliver sends the message and flattens the returned task.
func (h *Host) deliver(ctx context.Context, conn *Connection, agentName, taskID, sessionID string, msg protocol.Message) (*Response, error) {
	task, err := conn.Client.SendTask(ctx, protocol.TaskSendParams{
		ID:                  taskID,
		SessionID:           sessionID,
		Message:             msg,
		AcceptedOutputModes: []string{"text", "text/plain"},
	})
	if err != nil {
		return nil, fmt.Errorf("delegating to %s: %w", agentName, err)
	}

	h.mu.Lock()
	if state, ok := h.sessions[sessionID]; ok {
		state.active = !task.Status.State.Terminal()
	}
	h.mu.Unlock()

	switch task.Status.State {
	case protocol.StateCanceled:
		return nil, fmt.Errorf("agent %s canceled task %s", agentName, taskID)
	case protocol.StateFailed:
		return nil, fmt.Errorf("agent %s failed task %s", agentName, taskID)
	}

	resp := &Response{
		TaskID:        task.ID,
		SessionID:     sessionID,
		State:         task.Status.State,
		InputRequired: task.Status.State == protocol.StateInputRequired,
	}
	if task.Status.Message != nil {
		resp.Content = append(resp.Content, h.flattenParts(sessionID, task.Status.Message.Parts)...)
	}
	for _, artifact := range task.Artifacts {
		resp.Content = append(resp.Content, h.flattenParts(sessionID, artifact.Parts)...)
	}
	return resp, nil
}

// flattenParts converts protocol parts into caller-facing values. File
// parts are persisted through the saver and replaced by a reference.
func (h *Host) flattenParts(sessionID string, parts []protocol.Part) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case protocol.PartTypeText:
			out = append(out, p.Text)
		case protocol.PartTypeData:
			out = append(out, p.Data)
		case protocol.PartTypeFile:
			if p.File == nil {
				continue
			}
			if h.cfg.Saver == nil {
				out = append(out, map[string]any{"name": p.File.Name, "uri": p.File.URI})
				continue
			}
			id, err := h.cfg.Saver.Save(sessionID, *p.File)
			if err != nil {
				h.logger.Warn("saving file artifact failed",
					slog.String("name", p.File.Name), slog.String("error", err.Error()))
				continue
			}
			out = append(out, map[string]any{"artifact-file-id": id, "name": p.File.Name})
		}
	}
	return out
}

func (h *Host) bounty() uint64 {
	if h.cfg.Bounty > 0 {
		return h.cfg.Bounty
	}
	return chain.DefaultBounty
}

func (h *Host) deadline() uint64 {
	if h.cfg.DeadlineSeconds > 0 {
		return h.cfg.DeadlineSeconds
	}
	return chain.DefaultDeadlineSeconds
}

func (h *Host) countDelegation(mode string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.Delegations.WithLabelValues(mode).Inc()
	}
}

func (h *Host) countSubmission(operation string, success bool) {
	if h.cfg.Metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	h.cfg.Metrics.ChainSubmissions.WithLabelValues(operation, outcome).Inc()
}
