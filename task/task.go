// Package task persists protocol task records for an agent service.
package task

import (
	"errors"

	"github.com/agentpay/agentpay/protocol"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task not found")

// ErrTerminal reports a mutation attempt against a task whose state is
// already completed, canceled, or failed.
var ErrTerminal = errors.New("task is in a terminal state")

// Store persists and retrieves tasks. Implementations serialize all task
// mutations: a status update and its artifact appends commit atomically,
// and concurrent streamed updates for one task commit in call order.
type Store interface {
	// Upsert creates the task for the given send params, or appends the
	// message to the existing task's history.
	Upsert(params protocol.TaskSendParams) (*protocol.Task, error)

	// Get retrieves a task by id. historyLength trims History to the most
	// recent n messages; zero means no history.
	Get(id string, historyLength int) (*protocol.Task, error)

	// UpdateStatus sets the task's status and appends artifacts in one
	// committed step, returning the updated task. Tasks in a terminal
	// state reject further updates with ErrTerminal.
	UpdateStatus(id string, status protocol.TaskStatus, artifacts []protocol.Artifact) (*protocol.Task, error)

	// SetPushConfig stores the push-notification config for a task.
	SetPushConfig(cfg protocol.TaskPushNotificationConfig) error

	// PushConfig retrieves the stored push-notification config, if any.
	PushConfig(id string) (protocol.TaskPushNotificationConfig, bool, error)
}

// trimHistory returns the most recent n messages, or nil when n <= 0.
func trimHistory(history []protocol.Message, n int) []protocol.Message {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]protocol.Message, len(history))
	copy(out, history)
	return out
}
