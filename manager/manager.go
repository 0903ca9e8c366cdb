// Package manager handles the task protocol for one agent service: it
// admits incoming requests, drives the per-task state machine, invokes
// the underlying agent, and emits streamed status and artifact events.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentpay/agentpay/agent"
	"github.com/agentpay/agentpay/chain"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/signature"
	"github.com/agentpay/agentpay/task"
)

// TaskManager is the method surface the JSON-RPC server dispatches to.
// Streaming operations return a channel of *protocol.TaskStatusUpdateEvent,
// *protocol.TaskArtifactUpdateEvent, or a trailing *protocol.Error; the
// channel closes when the stream ends.
type TaskManager interface {
	OnSendTask(ctx context.Context, params protocol.TaskSendParams) (*protocol.Task, *protocol.Error)
	OnSendTaskSubscribe(ctx context.Context, params protocol.TaskSendParams) (<-chan any, *protocol.Error)
	OnGetTask(ctx context.Context, params protocol.TaskQueryParams) (*protocol.Task, *protocol.Error)
	OnCancelTask(ctx context.Context, params protocol.TaskIDParams) (*protocol.Task, *protocol.Error)
	OnSetPushNotification(ctx context.Context, cfg protocol.TaskPushNotificationConfig) (*protocol.TaskPushNotificationConfig, *protocol.Error)
	OnGetPushNotification(ctx context.Context, params protocol.TaskIDParams) (*protocol.TaskPushNotificationConfig, *protocol.Error)
	OnResubscribe(ctx context.Context, params protocol.TaskQueryParams) (<-chan any, *protocol.Error)
}

// Config wires a Manager's dependencies. Verifier and Ledger are
// optional; leaving one nil disables the corresponding admission check.
type Config struct {
	Agent    agent.Agent
	Store    task.Store
	Verifier signature.Verifier
	Ledger   chain.Ledger
	Bus      comms.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager implements TaskManager for one agent.
type Manager struct {
	cfg Config
}

// New creates a Manager. Agent and Store are required.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}
}

// admit runs the admission pipeline: output-mode compatibility, then
// signature verification, then on-chain confirmation. No task exists
// until every stage passes.
func (m *Manager) admit(ctx context.Context, params protocol.TaskSendParams) *protocol.Error {
	if !protocol.ModalitiesCompatible(params.AcceptedOutputModes, m.cfg.Agent.SupportedContentTypes()) {
		m.cfg.Logger.Warn("unsupported output mode",
			slog.Any("accepted", params.AcceptedOutputModes),
			slog.Any("supported", m.cfg.Agent.SupportedContentTypes()))
		m.reject("incompatible_modalities")
		return protocol.ErrIncompatibleTypes()
	}
	if err := m.verifySignature(params); err != nil {
		m.cfg.Logger.Warn("signature validation failed", slog.String("task", params.ID), slog.Any("error", err))
		m.reject("signature")
		return protocol.ErrInternal("Signature verification failed: " + err.Error())
	}
	if err := m.verifyChainConfirmation(ctx, params); err != nil {
		m.cfg.Logger.Warn("chain confirmation validation failed", slog.String("task", params.ID), slog.Any("error", err))
		m.reject("chain_confirmation")
		return protocol.ErrInternal("Blockchain confirmation validation failed: " + err.Error())
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksAdmitted.Inc()
	}
	return nil
}

func (m *Manager) reject(reason string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksRejected.WithLabelValues(reason).Inc()
	}
}

// verifySignature checks the auth metadata block against the session id.
func (m *Manager) verifySignature(params protocol.TaskSendParams) error {
	if m.cfg.Verifier == nil {
		return nil
	}
	auth, ok := params.Message.Auth()
	if !ok {
		return errors.New("No authentication data found in message metadata")
	}
	return m.cfg.Verifier.Verify(auth.Address, params.SessionID, auth.Signature)
}

// verifyChainConfirmation checks the escrow-creation evidence attached
// to the message. A missing blockchain block skips the check; explicit
// negative evidence (transaction missing or failed) rejects; a lookup
// that errors out, typically node connectivity, lets the task proceed
// with a warning.
func (m *Manager) verifyChainConfirmation(ctx context.Context, params protocol.TaskSendParams) error {
	if m.cfg.Ledger == nil {
		return nil
	}
	blk, ok := params.Message.Chain()
	if !ok {
		m.cfg.Logger.Debug("no blockchain confirmation data, skipping validation", slog.String("task", params.ID))
		return nil
	}
	txHash := blk.CreateTask.TxHash
	if txHash == "" {
		return errors.New("missing transaction hash")
	}

	status, err := m.cfg.Ledger.TransactionStatus(ctx, txHash)
	if err != nil {
		m.cfg.Logger.Warn("chain validation unavailable, proceeding",
			slog.String("tx", txHash), slog.Any("error", err))
		return nil
	}
	if !status.Found {
		return fmt.Errorf("transaction %s not found on chain", txHash)
	}
	if !status.Success {
		return fmt.Errorf("transaction %s execution failed", txHash)
	}
	m.cfg.Logger.Info("escrow transaction verified",
		slog.String("task", params.ID), slog.String("tx", txHash))
	return nil
}

// OnSendTask admits the request, runs the agent to completion, and
// returns the finished task. A MISSING_INFO sentinel in the agent's
// answer parks the task in input-required instead of completed.
func (m *Manager) OnSendTask(ctx context.Context, params protocol.TaskSendParams) (*protocol.Task, *protocol.Error) {
	if perr := m.admit(ctx, params); perr != nil {
		return nil, perr
	}
	if _, err := m.cfg.Store.Upsert(params); err != nil {
		return nil, protocol.ErrInternal("failed to store task: " + err.Error())
	}
	if params.PushNotification != nil {
		cfg := protocol.TaskPushNotificationConfig{ID: params.ID, PushNotificationConfig: *params.PushNotification}
		if err := m.cfg.Store.SetPushConfig(cfg); err != nil {
			m.cfg.Logger.Warn("failed to store push config", slog.String("task", params.ID), slog.Any("error", err))
		}
	}

	query, ok := params.Message.FirstText()
	if !ok {
		return nil, protocol.ErrInternal("Only text parts are supported")
	}

	result, err := m.cfg.Agent.Invoke(ctx, query, params.SessionID)
	if err != nil {
		m.cfg.Logger.Error("agent invocation failed", slog.String("task", params.ID), slog.Any("error", err))
		m.commit(params.ID, protocol.TaskStatus{
			State:     protocol.StateFailed,
			Message:   agentTextMessage(err.Error()),
			Timestamp: time.Now().UTC(),
		}, nil)
		return nil, protocol.ErrInternal("Error invoking agent: " + err.Error())
	}

	state := protocol.StateCompleted
	if strings.Contains(result, agent.MissingInfoPrefix) {
		state = protocol.StateInputRequired
	}
	parts := []protocol.Part{protocol.TextPart(result)}
	// A decodable sentinel carries the form the caller should present;
	// expose it as structured data next to the raw text.
	if form, ok := agent.DecodeMissingInfo(result); ok && len(form) > 0 {
		parts = append(parts, protocol.DataPart(form))
	}
	status := protocol.TaskStatus{
		State:     state,
		Message:   &protocol.Message{Role: "agent", Parts: parts},
		Timestamp: time.Now().UTC(),
	}
	updated, err := m.commit(params.ID, status, []protocol.Artifact{{Parts: parts}})
	if err != nil {
		return nil, protocol.ErrInternal("failed to update task: " + err.Error())
	}
	return updated, nil
}

// OnGetTask retrieves a task snapshot.
func (m *Manager) OnGetTask(_ context.Context, params protocol.TaskQueryParams) (*protocol.Task, *protocol.Error) {
	t, err := m.cfg.Store.Get(params.ID, params.HistoryLength)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, protocol.ErrTaskNotFound()
		}
		return nil, protocol.ErrInternal(err.Error())
	}
	return t, nil
}

// OnCancelTask cancels a task that has not yet reached a terminal state.
func (m *Manager) OnCancelTask(_ context.Context, params protocol.TaskIDParams) (*protocol.Task, *protocol.Error) {
	status := protocol.TaskStatus{State: protocol.StateCanceled, Timestamp: time.Now().UTC()}
	t, err := m.commit(params.ID, status, nil)
	switch {
	case errors.Is(err, task.ErrNotFound):
		return nil, protocol.ErrTaskNotFound()
	case errors.Is(err, task.ErrTerminal):
		return nil, protocol.ErrTaskNotCancelable()
	case err != nil:
		return nil, protocol.ErrInternal(err.Error())
	}
	return t, nil
}

// OnSetPushNotification stores where task updates should be delivered.
// Delivery itself is out of scope; the config round-trips verbatim.
func (m *Manager) OnSetPushNotification(_ context.Context, cfg protocol.TaskPushNotificationConfig) (*protocol.TaskPushNotificationConfig, *protocol.Error) {
	if _, err := m.cfg.Store.Get(cfg.ID, 0); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, protocol.ErrTaskNotFound()
		}
		return nil, protocol.ErrInternal(err.Error())
	}
	if err := m.cfg.Store.SetPushConfig(cfg); err != nil {
		return nil, protocol.ErrInternal(err.Error())
	}
	return &cfg, nil
}

// OnGetPushNotification retrieves a task's stored push config.
func (m *Manager) OnGetPushNotification(_ context.Context, params protocol.TaskIDParams) (*protocol.TaskPushNotificationConfig, *protocol.Error) {
	cfg, ok, err := m.cfg.Store.PushConfig(params.ID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, protocol.ErrTaskNotFound()
		}
		return nil, protocol.ErrInternal(err.Error())
	}
	if !ok {
		return nil, protocol.ErrTaskNotFound()
	}
	return &cfg, nil
}

// commit writes a status (and artifacts) through the store and fans the
// update out on the event bus.
func (m *Manager) commit(taskID string, status protocol.TaskStatus, artifacts []protocol.Artifact) (*protocol.Task, error) {
	t, err := m.cfg.Store.UpdateStatus(taskID, status, artifacts)
	if err != nil {
		return nil, err
	}
	if m.cfg.Metrics != nil && status.State.Terminal() {
		m.cfg.Metrics.TaskTerminal.WithLabelValues(string(status.State)).Inc()
	}
	if m.cfg.Bus != nil {
		_ = m.cfg.Bus.Publish(context.Background(), &comms.Event{
			Type:      comms.TypeStatus,
			TaskID:    taskID,
			SessionID: t.SessionID,
			State:     status.State,
			Final:     status.State.Terminal(),
			Timestamp: time.Now().UTC(),
		})
		for _, a := range artifacts {
			_ = m.cfg.Bus.Publish(context.Background(), &comms.Event{
				Type:      comms.TypeArtifact,
				TaskID:    taskID,
				SessionID: t.SessionID,
				State:     status.State,
				Payload:   a,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return t, nil
}

func agentTextMessage(text string) *protocol.Message {
	return &protocol.Message{Role: "agent", Parts: []protocol.Part{protocol.TextPart(text)}}
}
