// Package protocol defines the wire types for the agent task protocol:
// tasks, messages, parts, artifacts, agent cards, and the JSON-RPC
// envelope used over HTTP.
package protocol

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateCanceled      TaskState = "canceled"
	StateFailed        TaskState = "failed"
	StateUnknown       TaskState = "unknown"
)

// Terminal reports whether the state permits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateFailed:
		return true
	}
	return false
}

// Message is a single protocol message: a role plus ordered content parts
// and free-form metadata.
type Message struct {
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is a point-in-time snapshot of a task's state.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Append      bool           `json:"append,omitempty"`
	LastChunk   bool           `json:"lastChunk,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is the protocol-visible task record.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskSendParams is the immutable request envelope for tasks/send and
// tasks/sendSubscribe. The task and session identifiers are caller-generated.
type TaskSendParams struct {
	ID                  string                  `json:"id"`
	SessionID           string                  `json:"sessionId"`
	Message             Message                 `json:"message"`
	AcceptedOutputModes []string                `json:"acceptedOutputModes,omitempty"`
	PushNotification    *PushNotificationConfig `json:"pushNotification,omitempty"`
	HistoryLength       int                     `json:"historyLength,omitempty"`
	Metadata            map[string]any          `json:"metadata,omitempty"`
}

// TaskQueryParams identifies a task for tasks/get and tasks/resubscribe.
type TaskQueryParams struct {
	ID            string         `json:"id"`
	HistoryLength int            `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskIDParams identifies a task for tasks/cancel and push-notification calls.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PushNotificationConfig is where task updates should be delivered
// out-of-band. Stored verbatim; delivery is out of scope.
type PushNotificationConfig struct {
	URL            string    `json:"url"`
	Token          string    `json:"token,omitempty"`
	Authentication *AuthInfo `json:"authentication,omitempty"`
}

// AuthInfo describes how to authenticate against a push endpoint.
type AuthInfo struct {
	Schemes     []string `json:"schemes"`
	Credentials string   `json:"credentials,omitempty"`
}

// TaskPushNotificationConfig pairs a task with its push config.
type TaskPushNotificationConfig struct {
	ID                     string                 `json:"id"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// TaskStatusUpdateEvent is one streamed status change. Final marks the end
// of the stream for the task.
type TaskStatusUpdateEvent struct {
	ID       string         `json:"id"`
	Status   TaskStatus     `json:"status"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent is one streamed artifact emission.
type TaskArtifactUpdateEvent struct {
	ID       string         `json:"id"`
	Artifact Artifact       `json:"artifact"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuthBlock is the "auth" message-metadata block: a claimed signer address
// and a signature over address||sessionId. Wire format is load-bearing for
// interop; field names must not change.
type AuthBlock struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// ChainCreateTask is the escrow-creation evidence inside the "blockchain"
// metadata block.
type ChainCreateTask struct {
	TxHash        string `json:"tx_hash"`
	ModuleAddress string `json:"module_address"`
}

// ChainBlock is the "blockchain" message-metadata block.
type ChainBlock struct {
	CreateTask ChainCreateTask `json:"createTask"`
}

// Auth extracts the auth block from message metadata. ok is false when the
// block is absent or malformed.
func (m *Message) Auth() (AuthBlock, bool) {
	var blk AuthBlock
	if !decodeMetadataBlock(m.Metadata, "auth", &blk) {
		return AuthBlock{}, false
	}
	return blk, true
}

// Chain extracts the blockchain block from message metadata.
func (m *Message) Chain() (ChainBlock, bool) {
	var blk ChainBlock
	if !decodeMetadataBlock(m.Metadata, "blockchain", &blk) {
		return ChainBlock{}, false
	}
	return blk, true
}

// SetAuth attaches an auth block to message metadata.
func (m *Message) SetAuth(blk AuthBlock) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata["auth"] = map[string]any{
		"address":   blk.Address,
		"signature": blk.Signature,
	}
}

// SetChain attaches a blockchain block to message metadata.
func (m *Message) SetChain(blk ChainBlock) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata["blockchain"] = map[string]any{
		"createTask": map[string]any{
			"tx_hash":        blk.CreateTask.TxHash,
			"module_address": blk.CreateTask.ModuleAddress,
		},
	}
}

// decodeMetadataBlock round-trips a metadata value through JSON into dst.
// Metadata arrives as map[string]any from the decoder, so this is the
// cheapest faithful conversion.
func decodeMetadataBlock(meta map[string]any, key string, dst any) bool {
	if meta == nil {
		return false
	}
	raw, ok := meta[key]
	if !ok {
		return false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// ModalitiesCompatible reports whether any accepted output mode is served
// by the agent. An empty accepted list means the caller takes anything.
func ModalitiesCompatible(accepted, supported []string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		for _, s := range supported {
			if a == s {
				return true
			}
		}
	}
	return false
}
