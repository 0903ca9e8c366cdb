package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/api"
	"github.com/aptos-labs/aptos-go-sdk/bcs"
	aptoscrypto "github.com/aptos-labs/aptos-go-sdk/crypto"
)

// Client talks to an Aptos fullnode. It implements Ledger.
//
// The underlying SDK manages its own request deadlines; contexts passed in
// are honored only between SDK calls.
type Client struct {
	cfg     Config
	client  *aptos.Client
	account *aptos.Account
	module  aptos.AccountAddress
	logger  *slog.Logger
}

// NewClient connects to the configured node. A missing private key leaves
// the client read-only.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.ApplyDefaults()

	client, err := aptos.NewClient(aptos.NetworkConfig{
		Name:    "custom",
		NodeUrl: cfg.NodeURL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect aptos node %s: %w", cfg.NodeURL, err)
	}

	c := &Client{cfg: cfg, client: client, logger: logger}
	if err := c.module.ParseStringRelaxed(cfg.ModuleAddress); err != nil {
		return nil, fmt.Errorf("parse module address %s: %w", cfg.ModuleAddress, err)
	}

	if cfg.PrivateKey != "" {
		keyHex := strings.TrimPrefix(cfg.PrivateKey, "ed25519-priv-")
		key := &aptoscrypto.Ed25519PrivateKey{}
		if err := key.FromHex(keyHex); err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		account, err := aptos.NewAccountFromSigner(key)
		if err != nil {
			return nil, fmt.Errorf("derive account: %w", err)
		}
		c.account = account
		logger.Info("chain account configured", slog.String("address", account.Address.String()))
	}

	return c, nil
}

// Connected reports whether the node answers a ledger-info request.
func (c *Client) Connected(_ context.Context) bool {
	_, err := c.client.Info()
	return err == nil
}

// HasAccount reports whether a signing account is configured.
func (c *Client) HasAccount() bool { return c.account != nil }

// Address returns the local account address, or empty.
func (c *Client) Address() string {
	if c.account == nil {
		return ""
	}
	return c.account.Address.String()
}

// ModuleAddress returns the escrow module address.
func (c *Client) ModuleAddress() string { return c.cfg.ModuleAddress }

// CreateTask escrows the bounty for taskID and blocks until confirmation.
func (c *Client) CreateTask(_ context.Context, taskID, serviceAgent string, amount, deadlineSeconds uint64, description string) TxResult {
	if c.account == nil {
		return failure(ErrNoAccount)
	}

	var agentAddr aptos.AccountAddress
	if err := agentAddr.ParseStringRelaxed(serviceAgent); err != nil {
		return failure(fmt.Errorf("parse service agent address %s: %w", serviceAgent, err))
	}

	args, err := entryArgs(
		bytesArg([]byte(taskID)),
		addressArg(&agentAddr),
		u64Arg(amount),
		u64Arg(deadlineSeconds),
		stringArg(description),
	)
	if err != nil {
		return failure(err)
	}

	txn, err := c.submit("create_task", args)
	if err != nil {
		c.logger.Error("create_task failed", slog.String("task_id", taskID), slog.Any("err", err))
		return failure(err)
	}

	c.logger.Info("escrow task created",
		slog.String("task_id", taskID),
		slog.String("tx_hash", txn.Hash),
		slog.String("explorer", ExplorerTxURL(c.cfg.NodeURL, txn.Hash)),
	)
	return TxResult{
		Success:  txn.Success,
		TxHash:   txn.Hash,
		GasUsed:  uint64(txn.GasUsed),
		VMStatus: txn.VmStatus,
	}
}

// CompleteTask claims the escrow for taskID created by taskAgent.
func (c *Client) CompleteTask(_ context.Context, taskAgent, taskID string) TxResult {
	if c.account == nil {
		return failure(ErrNoAccount)
	}

	var agentAddr aptos.AccountAddress
	if err := agentAddr.ParseStringRelaxed(taskAgent); err != nil {
		return failure(fmt.Errorf("parse task agent address %s: %w", taskAgent, err))
	}

	args, err := entryArgs(addressArg(&agentAddr), bytesArg([]byte(taskID)))
	if err != nil {
		return failure(err)
	}

	txn, err := c.submit("complete_task", args)
	if err != nil {
		c.logger.Error("complete_task failed", slog.String("task_id", taskID), slog.Any("err", err))
		return failure(err)
	}

	c.logger.Info("escrow task completed",
		slog.String("task_id", taskID),
		slog.String("tx_hash", txn.Hash),
	)
	return TxResult{Success: txn.Success, TxHash: txn.Hash, VMStatus: txn.VmStatus}
}

// CancelTask cancels the caller's own escrow task.
func (c *Client) CancelTask(_ context.Context, taskID string) TxResult {
	if c.account == nil {
		return failure(ErrNoAccount)
	}

	args, err := entryArgs(bytesArg([]byte(taskID)))
	if err != nil {
		return failure(err)
	}

	txn, err := c.submit("cancel_task", args)
	if err != nil {
		c.logger.Error("cancel_task failed", slog.String("task_id", taskID), slog.Any("err", err))
		return failure(err)
	}

	c.logger.Info("escrow task cancelled",
		slog.String("task_id", taskID),
		slog.String("tx_hash", txn.Hash),
	)
	return TxResult{Success: txn.Success, TxHash: txn.Hash, VMStatus: txn.VmStatus}
}

// TaskInfo reads the on-chain task record via the module's view function.
func (c *Client) TaskInfo(_ context.Context, taskAgent, taskID string) (TaskInfo, error) {
	var agentAddr aptos.AccountAddress
	if err := agentAddr.ParseStringRelaxed(taskAgent); err != nil {
		return TaskInfo{}, fmt.Errorf("parse task agent address %s: %w", taskAgent, err)
	}

	args, err := entryArgs(addressArg(&agentAddr), bytesArg([]byte(taskID)))
	if err != nil {
		return TaskInfo{}, err
	}

	vals, err := c.view("get_task_info", args)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("get_task_info: %w", err)
	}
	return decodeTaskInfo(vals)
}

// TaskStats reads the aggregate counters for taskAgent.
func (c *Client) TaskStats(_ context.Context, taskAgent string) (TaskStats, error) {
	var agentAddr aptos.AccountAddress
	if err := agentAddr.ParseStringRelaxed(taskAgent); err != nil {
		return TaskStats{}, fmt.Errorf("parse task agent address %s: %w", taskAgent, err)
	}

	args, err := entryArgs(addressArg(&agentAddr))
	if err != nil {
		return TaskStats{}, err
	}

	vals, err := c.view("get_task_stats", args)
	if err != nil {
		return TaskStats{}, fmt.Errorf("get_task_stats: %w", err)
	}
	return decodeTaskStats(vals)
}

// IsTaskExpired reports whether the task's deadline has passed. Lookup
// failures read as not expired.
func (c *Client) IsTaskExpired(_ context.Context, taskAgent, taskID string) bool {
	var agentAddr aptos.AccountAddress
	if err := agentAddr.ParseStringRelaxed(taskAgent); err != nil {
		return false
	}

	args, err := entryArgs(addressArg(&agentAddr), bytesArg([]byte(taskID)))
	if err != nil {
		return false
	}

	vals, err := c.view("is_task_expired", args)
	if err != nil || len(vals) == 0 {
		return false
	}
	expired, _ := vals[0].(bool)
	return expired
}

// TransactionStatus looks up a committed transaction by hash. A 404 means
// the transaction does not exist; any other error is a connectivity
// problem the caller may choose to tolerate.
func (c *Client) TransactionStatus(_ context.Context, txHash string) (TxStatus, error) {
	txn, err := c.client.TransactionByHash(txHash)
	if err != nil {
		var httpErr *aptos.HttpError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return TxStatus{Found: false}, nil
		}
		return TxStatus{}, fmt.Errorf("transaction by hash %s: %w", txHash, err)
	}

	ut, err := txn.UserTransaction()
	if err != nil {
		// Pending or a non-user variant: committed success is not proven.
		return TxStatus{Found: true, Success: false, VMStatus: "pending"}, nil
	}
	return TxStatus{Found: true, Success: ut.Success, VMStatus: ut.VmStatus}, nil
}

// submit signs, submits, and waits for one entry-function call.
func (c *Client) submit(function string, args [][]byte) (*api.UserTransaction, error) {
	payload := aptos.TransactionPayload{Payload: &aptos.EntryFunction{
		Module:   aptos.ModuleId{Address: c.module, Name: ModuleName},
		Function: function,
		ArgTypes: []aptos.TypeTag{},
		Args:     args,
	}}

	pending, err := c.client.BuildSignAndSubmitTransaction(c.account, payload)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", function, err)
	}
	txn, err := c.client.WaitForTransaction(pending.Hash)
	if err != nil {
		return nil, fmt.Errorf("confirm %s (%s): %w", function, pending.Hash, err)
	}
	return txn, nil
}

// view invokes one view function on the module.
func (c *Client) view(function string, args [][]byte) ([]any, error) {
	return c.client.View(&aptos.ViewPayload{
		Module:   aptos.ModuleId{Address: c.module, Name: ModuleName},
		Function: function,
		ArgTypes: []aptos.TypeTag{},
		Args:     args,
	})
}

// argFunc produces one BCS-encoded entry-function argument.
type argFunc func() ([]byte, error)

func bytesArg(b []byte) argFunc {
	return func() ([]byte, error) { return bcs.SerializeBytes(b) }
}

func stringArg(s string) argFunc {
	// Move String serializes as its UTF-8 bytes.
	return func() ([]byte, error) { return bcs.SerializeBytes([]byte(s)) }
}

func u64Arg(v uint64) argFunc {
	return func() ([]byte, error) { return bcs.SerializeU64(v) }
}

func addressArg(addr *aptos.AccountAddress) argFunc {
	return func() ([]byte, error) { return bcs.Serialize(addr) }
}

func entryArgs(fns ...argFunc) ([][]byte, error) {
	args := make([][]byte, 0, len(fns))
	for i, fn := range fns {
		b, err := fn()
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		args = append(args, b)
	}
	return args, nil
}

// ExplorerTxURL builds the public explorer link for a transaction,
// inferring the network from the node URL.
func ExplorerTxURL(nodeURL, txHash string) string {
	network := "devnet"
	switch {
	case strings.Contains(nodeURL, "mainnet"):
		network = "mainnet"
	case strings.Contains(nodeURL, "testnet"):
		network = "testnet"
	}
	return fmt.Sprintf("https://explorer.aptoslabs.com/txn/%s?network=%s", txHash, network)
}

// decodeTaskInfo decodes the fixed 8-tuple returned by get_task_info.
func decodeTaskInfo(vals []any) (TaskInfo, error) {
	if len(vals) != 8 {
		return TaskInfo{}, fmt.Errorf("get_task_info returned %d values, want 8", len(vals))
	}
	info := TaskInfo{
		TaskAgent:    asString(vals[0]),
		ServiceAgent: asString(vals[1]),
		Description:  asString(vals[7]),
	}
	var err error
	if info.PayAmount, err = asU64(vals[2]); err != nil {
		return TaskInfo{}, fmt.Errorf("pay_amount: %w", err)
	}
	if info.CreatedAt, err = asU64(vals[3]); err != nil {
		return TaskInfo{}, fmt.Errorf("created_at: %w", err)
	}
	if info.Deadline, err = asU64(vals[4]); err != nil {
		return TaskInfo{}, fmt.Errorf("deadline: %w", err)
	}
	info.Completed, _ = vals[5].(bool)
	info.Cancelled, _ = vals[6].(bool)
	return info, nil
}

// decodeTaskStats decodes the 3-tuple returned by get_task_stats.
func decodeTaskStats(vals []any) (TaskStats, error) {
	if len(vals) != 3 {
		return TaskStats{}, fmt.Errorf("get_task_stats returned %d values, want 3", len(vals))
	}
	var stats TaskStats
	var err error
	if stats.Total, err = asU64(vals[0]); err != nil {
		return TaskStats{}, fmt.Errorf("total_tasks: %w", err)
	}
	if stats.Completed, err = asU64(vals[1]); err != nil {
		return TaskStats{}, fmt.Errorf("completed_tasks: %w", err)
	}
	if stats.Cancelled, err = asU64(vals[2]); err != nil {
		return TaskStats{}, fmt.Errorf("cancelled_tasks: %w", err)
	}
	return stats, nil
}

// asU64 decodes a view-function integer: the node encodes u64 as a JSON
// string, but tolerate numbers too.
func asU64(v any) (uint64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseUint(n, 10, 64)
	case float64:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected integer encoding %T", v)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
