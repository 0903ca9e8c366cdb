package task

import (
	"sync"
	"time"

	"github.com/agentpay/agentpay/protocol"
)

// MemoryStore keeps tasks in process memory under a single lock. Tasks are
// never evicted for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*record
}

type record struct {
	task    protocol.Task
	history []protocol.Message
	push    *protocol.TaskPushNotificationConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*record)}
}

// Upsert creates the task in the submitted state, or appends the incoming
// message to an existing task's history.
func (s *MemoryStore) Upsert(params protocol.TaskSendParams) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[params.ID]
	if !ok {
		rec = &record{
			task: protocol.Task{
				ID:        params.ID,
				SessionID: params.SessionID,
				Status: protocol.TaskStatus{
					State:     protocol.StateSubmitted,
					Timestamp: time.Now().UTC(),
				},
				Metadata: params.Metadata,
			},
		}
		s.tasks[params.ID] = rec
	}
	rec.history = append(rec.history, params.Message)

	return rec.snapshot(params.HistoryLength), nil
}

// Get retrieves a task by id.
func (s *MemoryStore) Get(id string, historyLength int) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.snapshot(historyLength), nil
}

// UpdateStatus commits a status change and artifact appends atomically.
func (s *MemoryStore) UpdateStatus(id string, status protocol.TaskStatus, artifacts []protocol.Artifact) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.task.Status.State.Terminal() {
		return nil, ErrTerminal
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	rec.task.Status = status
	rec.task.Artifacts = append(rec.task.Artifacts, artifacts...)

	return rec.snapshot(0), nil
}

// SetPushConfig stores the push config for a task.
func (s *MemoryStore) SetPushConfig(cfg protocol.TaskPushNotificationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[cfg.ID]
	if !ok {
		return ErrNotFound
	}
	c := cfg
	rec.push = &c
	return nil
}

// PushConfig retrieves the stored push config.
func (s *MemoryStore) PushConfig(id string) (protocol.TaskPushNotificationConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return protocol.TaskPushNotificationConfig{}, false, ErrNotFound
	}
	if rec.push == nil {
		return protocol.TaskPushNotificationConfig{}, false, nil
	}
	return *rec.push, true, nil
}

// snapshot copies the record so callers never alias store-owned memory.
func (r *record) snapshot(historyLength int) *protocol.Task {
	t := r.task
	if len(r.task.Artifacts) > 0 {
		t.Artifacts = make([]protocol.Artifact, len(r.task.Artifacts))
		copy(t.Artifacts, r.task.Artifacts)
	}
	t.History = trimHistory(r.history, historyLength)
	return &t
}
