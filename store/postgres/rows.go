package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// ==================== Column lists ====================

const (
	walletColumns      = `id, account_id, total_credits, reserved_credits, created_at, updated_at`
	transactionColumns = `id, wallet_id, amount, type, status, task_id, agent, metadata, created_at, updated_at`
	taskColumns        = `id, account_id, agent, task_type, reserved_amount, status, result, failed_reason, created_at, updated_at`
	agentColumns       = `key, label, description, is_active, created_at, updated_at`
	actionCostColumns  = `agent_key, action_key, label, cost, is_active, created_at, updated_at`
)

// ==================== Wallet rows ====================

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var (
		w               wallet.Wallet
		rawID           string
		total, reserved int64
	)
	if err := row.Scan(&rawID, &w.AccountID, &total, &reserved, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	walletID, err := id.ParseWalletID(rawID)
	if err != nil {
		return nil, err
	}
	w.ID = walletID
	w.Total = types.Credits(total)
	w.Reserved = types.Credits(reserved)
	return &w, nil
}

// ==================== Transaction rows ====================

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var (
		t             transaction.Transaction
		rawID, rawWal string
		rawTask       *string
		amount        int64
		kind, status  string
		metadata      []byte
		created, upd  time.Time
	)
	if err := row.Scan(&rawID, &rawWal, &amount, &kind, &status, &rawTask, &t.Agent, &metadata, &created, &upd); err != nil {
		return nil, err
	}

	var err error
	if t.ID, err = id.ParseTransactionID(rawID); err != nil {
		return nil, err
	}
	if t.WalletID, err = id.ParseWalletID(rawWal); err != nil {
		return nil, err
	}
	if rawTask != nil && *rawTask != "" {
		if t.TaskID, err = id.ParseTaskID(*rawTask); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %s metadata: %w", rawID, err)
		}
	}

	t.Amount = types.Credits(amount)
	t.Kind = transaction.Kind(kind)
	t.Status = transaction.Status(status)
	t.CreatedAt = created
	t.UpdatedAt = upd
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()

	out := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ==================== Task rows ====================

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t        task.Task
		rawID    string
		reserved int64
		status   string
		result   []byte
	)
	if err := row.Scan(&rawID, &t.AccountID, &t.Agent, &t.TaskType, &reserved, &status, &result,
		&t.FailedReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	taskID, err := id.ParseTaskID(rawID)
	if err != nil {
		return nil, err
	}
	t.ID = taskID
	t.ReservedAmount = types.Credits(reserved)
	t.Status = task.Status(status)
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("task %s result: %w", rawID, err)
		}
	}
	return &t, nil
}

// ==================== Pricing rows ====================

func scanAgent(row pgx.Row) (*pricing.Agent, error) {
	var a pricing.Agent
	if err := row.Scan(&a.Key, &a.Label, &a.Description, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanActionCost(row pgx.Row) (*pricing.ActionCost, error) {
	var (
		c    pricing.ActionCost
		cost int64
	)
	if err := row.Scan(&c.AgentKey, &c.ActionKey, &c.Label, &cost, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Cost = types.Credits(cost)
	return &c, nil
}

// ==================== Helpers ====================

// nullableID maps the Nil ID to SQL NULL.
func nullableID(i id.ID) *string {
	if i.IsNil() {
		return nil
	}
	s := i.String()
	return &s
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// marshalResult stores a nil result as SQL NULL.
func marshalResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
