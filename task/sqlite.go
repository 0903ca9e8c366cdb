package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/agentpay/agentpay/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	artifacts   TEXT NOT NULL DEFAULT '[]',
	history     TEXT NOT NULL DEFAULT '[]',
	metadata    TEXT NOT NULL DEFAULT '{}',
	push_config TEXT,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
`

// SQLiteStore persists tasks in a SQLite database so an agent service can
// survive restarts. The read-modify-write in UpdateStatus holds a process
// lock; the store is single-process by design.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert creates the task in the submitted state, or appends the incoming
// message to an existing task's history.
func (s *SQLiteStore) Upsert(params protocol.TaskSendParams) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, history, _, err := s.load(params.ID)
	if err == ErrNotFound {
		now := time.Now().UTC()
		t = &protocol.Task{
			ID:        params.ID,
			SessionID: params.SessionID,
			Status: protocol.TaskStatus{
				State:     protocol.StateSubmitted,
				Timestamp: now,
			},
			Metadata: params.Metadata,
		}
		history = []protocol.Message{params.Message}
		status, _ := json.Marshal(t.Status)
		hist, _ := json.Marshal(history)
		meta, _ := json.Marshal(params.Metadata)
		_, err = s.db.Exec(`
			INSERT INTO tasks (id, session_id, status, artifacts, history, metadata, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			t.ID, t.SessionID, string(status), "[]", string(hist), string(meta), now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		t.History = trimHistory(history, params.HistoryLength)
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	history = append(history, params.Message)
	hist, _ := json.Marshal(history)
	if _, err := s.db.Exec(`UPDATE tasks SET history=?, updated_at=? WHERE id=?`,
		string(hist), time.Now().UTC(), t.ID); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	t.History = trimHistory(history, params.HistoryLength)
	return t, nil
}

// Get retrieves a task by id.
func (s *SQLiteStore) Get(id string, historyLength int) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, history, _, err := s.load(id)
	if err != nil {
		return nil, err
	}
	t.History = trimHistory(history, historyLength)
	return t, nil
}

// UpdateStatus commits a status change and artifact appends atomically.
func (s *SQLiteStore) UpdateStatus(id string, status protocol.TaskStatus, artifacts []protocol.Artifact) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, _, _, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if t.Status.State.Terminal() {
		return nil, ErrTerminal
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	t.Status = status
	t.Artifacts = append(t.Artifacts, artifacts...)

	statusJSON, _ := json.Marshal(t.Status)
	artifactsJSON, _ := json.Marshal(t.Artifacts)
	res, err := s.db.Exec(`UPDATE tasks SET status=?, artifacts=?, updated_at=? WHERE id=?`,
		string(statusJSON), string(artifactsJSON), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	return t, nil
}

// SetPushConfig stores the push config for a task.
func (s *SQLiteStore) SetPushConfig(cfg protocol.TaskPushNotificationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(cfg)
	res, err := s.db.Exec(`UPDATE tasks SET push_config=?, updated_at=? WHERE id=?`,
		string(data), time.Now().UTC(), cfg.ID)
	if err != nil {
		return fmt.Errorf("set push config: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PushConfig retrieves the stored push config.
func (s *SQLiteStore) PushConfig(id string) (protocol.TaskPushNotificationConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg protocol.TaskPushNotificationConfig
	_, _, push, err := s.load(id)
	if err != nil {
		return cfg, false, err
	}
	if push == "" {
		return cfg, false, nil
	}
	if err := json.Unmarshal([]byte(push), &cfg); err != nil {
		return cfg, false, fmt.Errorf("decode push config: %w", err)
	}
	return cfg, true, nil
}

// load reads one row. Caller holds s.mu.
func (s *SQLiteStore) load(id string) (*protocol.Task, []protocol.Message, string, error) {
	row := s.db.QueryRow(`SELECT id, session_id, status, artifacts, history, metadata, push_config FROM tasks WHERE id=?`, id)

	var t protocol.Task
	var statusJSON, artifactsJSON, historyJSON, metaJSON string
	var push sql.NullString
	err := row.Scan(&t.ID, &t.SessionID, &statusJSON, &artifactsJSON, &historyJSON, &metaJSON, &push)
	if err == sql.ErrNoRows {
		return nil, nil, "", ErrNotFound
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("scan task %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(statusJSON), &t.Status); err != nil {
		return nil, nil, "", fmt.Errorf("decode status: %w", err)
	}
	_ = json.Unmarshal([]byte(artifactsJSON), &t.Artifacts)
	_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)

	var history []protocol.Message
	_ = json.Unmarshal([]byte(historyJSON), &history)

	return &t, history, push.String, nil
}
