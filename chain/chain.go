// Package chain adapts the on-chain escrow task module. It builds and
// submits three transaction kinds (create, complete, cancel) and serves
// read-only views of task state.
//
// Every write operation returns a tagged TxResult instead of propagating
// SDK errors: callers check Success, and no operation retries on its own.
package chain

import (
	"context"
	"errors"
)

// TxResult is the outcome of one submitted transaction.
type TxResult struct {
	Success  bool   `json:"success"`
	TxHash   string `json:"tx_hash,omitempty"`
	GasUsed  uint64 `json:"gas_used,omitempty"`
	VMStatus string `json:"vm_status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TaskInfo is the decoded on-chain task record. The record is owned by the
// ledger; this is a read-only projection.
type TaskInfo struct {
	TaskAgent    string `json:"task_agent"`
	ServiceAgent string `json:"service_agent"`
	PayAmount    uint64 `json:"pay_amount"`
	CreatedAt    uint64 `json:"created_at"`
	Deadline     uint64 `json:"deadline"`
	Completed    bool   `json:"is_completed"`
	Cancelled    bool   `json:"is_cancelled"`
	Description  string `json:"description"`
}

// TaskStats summarizes an agent's on-chain task history.
type TaskStats struct {
	Total     uint64 `json:"total_tasks"`
	Completed uint64 `json:"completed_tasks"`
	Cancelled uint64 `json:"cancelled_tasks"`
}

// TxStatus is the committed status of a transaction looked up by hash.
type TxStatus struct {
	Found    bool   `json:"found"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status,omitempty"`
}

// ErrNoAccount reports a write attempt without a configured signing account.
var ErrNoAccount = errors.New("no signing account configured")

// Ledger is the surface the orchestrator and task managers use to talk to
// the chain. Implementations block until ledger confirmation; the context
// bounds the caller's patience where the transport honors it.
type Ledger interface {
	// Connected reports whether the ledger node is reachable.
	Connected(ctx context.Context) bool

	// HasAccount reports whether a local signing account is configured.
	HasAccount() bool

	// Address is the local account's address, or empty without an account.
	Address() string

	// ModuleAddress is the published escrow module address.
	ModuleAddress() string

	// CreateTask escrows amount octas for taskID, naming serviceAgent as
	// the designated claimant, and blocks until confirmation.
	CreateTask(ctx context.Context, taskID, serviceAgent string, amount, deadlineSeconds uint64, description string) TxResult

	// CompleteTask claims the escrow for taskID created by taskAgent. The
	// caller must be the designated service agent; the module enforces it.
	CompleteTask(ctx context.Context, taskAgent, taskID string) TxResult

	// CancelTask cancels the caller's own escrow task.
	CancelTask(ctx context.Context, taskID string) TxResult

	// TaskInfo reads the on-chain task record.
	TaskInfo(ctx context.Context, taskAgent, taskID string) (TaskInfo, error)

	// TaskStats reads the aggregate counters for taskAgent.
	TaskStats(ctx context.Context, taskAgent string) (TaskStats, error)

	// IsTaskExpired reports whether the task's deadline has passed.
	// Lookup failures read as not expired.
	IsTaskExpired(ctx context.Context, taskAgent, taskID string) bool

	// TransactionStatus looks up a committed transaction by hash.
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// failure builds a TxResult for an error path.
func failure(err error) TxResult {
	return TxResult{Success: false, Error: err.Error()}
}
