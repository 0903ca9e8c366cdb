// Package comms provides the in-process task event bus.
package comms

import (
	"context"
	"time"

	"github.com/agentpay/agentpay/protocol"
)

// EventType identifies the kind of task lifecycle event.
type EventType string

const (
	TypeStatus     EventType = "status"     // task state transition
	TypeArtifact   EventType = "artifact"   // artifact produced
	TypeDelegation EventType = "delegation" // task delegated to a remote agent
)

// Event is a task lifecycle notification. Subscribers keyed on a task ID
// receive events for that task; wildcard subscribers receive everything.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	TaskID    string             `json:"task_id"`
	SessionID string             `json:"session_id,omitempty"`
	Agent     string             `json:"agent,omitempty"` // name of the agent handling the task
	State     protocol.TaskState `json:"state,omitempty"`
	Final     bool               `json:"final,omitempty"`
	Payload   any                `json:"payload,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Handler processes task events for a subscriber.
type Handler func(ctx context.Context, ev *Event) error

// Wildcard subscribes to events for every task.
const Wildcard = "*"

// Bus distributes task lifecycle events to interested subscribers.
// The server's operations feed and the push notifier both hang off it.
type Bus interface {
	// Publish delivers an event to subscribers of ev.TaskID and to
	// wildcard subscribers.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for events on the given task ID
	// (or Wildcard). Returns an unsubscribe function.
	Subscribe(taskID string, handler Handler) (unsubscribe func())

	// History returns recent events for the given task ID, oldest first.
	// Wildcard returns events for all tasks.
	History(taskID string, limit int) ([]*Event, error)
}
