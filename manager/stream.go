package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/agentpay/agentpay/agent"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/task"
)

// OnSendTaskSubscribe admits the request and streams the agent's
// progress. Each agent event commits to the store before its protocol
// events are emitted, so observers never see an event the store does
// not already reflect.
func (m *Manager) OnSendTaskSubscribe(ctx context.Context, params protocol.TaskSendParams) (<-chan any, *protocol.Error) {
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

	out := make(chan any, 16)
	go m.streamTask(ctx, out, params.ID, params.SessionID, query)
	return out, nil
}

func (m *Manager) streamTask(ctx context.Context, out chan<- any, taskID, sessionID, query string) {
	defer close(out)

	events, err := m.cfg.Agent.Stream(ctx, query, sessionID)
	if err != nil {
		m.cfg.Logger.Error("agent stream failed", slog.String("task", taskID), slog.Any("error", err))
		m.emit(ctx, out, protocol.ErrInternal("An error occurred while streaming the response"))
		return
	}

	for ev := range events {
		state, parts, artifacts := classifyEvent(ev)

		status := protocol.TaskStatus{
			State:     state,
			Message:   &protocol.Message{Role: "agent", Parts: parts},
			Timestamp: time.Now().UTC(),
		}
		if _, err := m.commit(taskID, status, artifacts); err != nil {
			m.cfg.Logger.Error("failed to commit streamed update", slog.String("task", taskID), slog.Any("error", err))
			m.emit(ctx, out, protocol.ErrInternal("An error occurred while streaming the response"))
			return
		}

		if !m.emit(ctx, out, &protocol.TaskStatusUpdateEvent{ID: taskID, Status: status}) {
			return
		}
		for _, a := range artifacts {
			if !m.emit(ctx, out, &protocol.TaskArtifactUpdateEvent{ID: taskID, Artifact: a}) {
				return
			}
		}
		if ev.Done {
			m.emit(ctx, out, &protocol.TaskStatusUpdateEvent{
				ID:     taskID,
				Status: protocol.TaskStatus{State: state},
				Final:  true,
			})
			return
		}
	}
}

// classifyEvent maps an agent event to a task state, its message parts,
// and any artifacts. A structured result wrapped in a response.result
// envelope is a request for more input; its payload is the JSON form.
func classifyEvent(ev agent.Event) (protocol.TaskState, []protocol.Part, []protocol.Artifact) {
	if !ev.Done {
		return protocol.StateWorking, []protocol.Part{protocol.TextPart(ev.Updates)}, nil
	}

	var parts []protocol.Part
	state := protocol.StateCompleted

	switch content := ev.Content.(type) {
	case map[string]any:
		data := content
		if resp, ok := content["response"].(map[string]any); ok {
			if raw, ok := resp["result"].(string); ok {
				var decoded map[string]any
				if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
					data = decoded
				} else {
					data = map[string]any{"result": raw}
				}
				state = protocol.StateInputRequired
			}
		}
		parts = []protocol.Part{protocol.DataPart(data)}
	case string:
		parts = []protocol.Part{protocol.TextPart(content)}
	default:
		parts = []protocol.Part{protocol.TextPart("")}
	}

	return state, parts, []protocol.Artifact{{Parts: parts, Index: 0}}
}

// OnResubscribe reattaches to an existing task. The current snapshot is
// replayed as a status event; a task already in a terminal state gets a
// final event immediately.
func (m *Manager) OnResubscribe(ctx context.Context, params protocol.TaskQueryParams) (<-chan any, *protocol.Error) {
	t, err := m.cfg.Store.Get(params.ID, params.HistoryLength)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, protocol.ErrTaskNotFound()
		}
		return nil, protocol.ErrInternal(err.Error())
	}

	out := make(chan any, 16)
	go func() {
		defer close(out)
		snapshot := &protocol.TaskStatusUpdateEvent{
			ID:     t.ID,
			Status: t.Status,
			Final:  t.Status.State.Terminal(),
		}
		if !m.emit(ctx, out, snapshot) || snapshot.Final {
			return
		}

		unsub := m.subscribeUpdates(ctx, out, t.ID)
		if unsub == nil {
			return
		}
		defer unsub()
		<-ctx.Done()
	}()
	return out, nil
}

// subscribeUpdates forwards bus events for taskID as protocol status
// events until the context ends. Returns nil when no bus is configured.
func (m *Manager) subscribeUpdates(ctx context.Context, out chan<- any, taskID string) func() {
	if m.cfg.Bus == nil {
		return nil
	}
	return m.cfg.Bus.Subscribe(taskID, func(_ context.Context, ev *comms.Event) error {
		m.emit(ctx, out, &protocol.TaskStatusUpdateEvent{
			ID:     ev.TaskID,
			Status: protocol.TaskStatus{State: ev.State, Timestamp: ev.Timestamp},
			Final:  ev.Final,
		})
		return nil
	})
}

// emit writes one element unless the consumer has gone away.
func (m *Manager) emit(ctx context.Context, out chan<- any, v any) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
