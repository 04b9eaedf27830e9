package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// ==================== Wallet models ====================

type walletModel struct {
	ID        string    `bson:"_id"`
	AccountID string    `bson:"account_id"`
	Total     int64     `bson:"total_credits"`
	Reserved  int64     `bson:"reserved_credits"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toWalletModel(w *wallet.Wallet) *walletModel {
	return &walletModel{
		ID:        w.ID.String(),
		AccountID: w.AccountID,
		Total:     int64(w.Total),
		Reserved:  int64(w.Reserved),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func fromWalletModel(m *walletModel) (*wallet.Wallet, error) {
	walletID, err := id.ParseWalletID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse wallet id %q: %w", m.ID, err)
	}
	return &wallet.Wallet{
		Entity:    types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:        walletID,
		AccountID: m.AccountID,
		Total:     types.Credits(m.Total),
		Reserved:  types.Credits(m.Reserved),
	}, nil
}

// ==================== Transaction models ====================

type transactionModel struct {
	ID        string         `bson:"_id"`
	WalletID  string         `bson:"wallet_id"`
	Amount    int64          `bson:"amount"`
	Kind      string         `bson:"type"`
	Status    string         `bson:"status"`
	TaskID    string         `bson:"task_id,omitempty"`
	Agent     string         `bson:"agent"`
	Metadata  map[string]any `bson:"metadata"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
	m := &transactionModel{
		ID:        t.ID.String(),
		WalletID:  t.WalletID.String(),
		Amount:    int64(t.Amount),
		Kind:      string(t.Kind),
		Status:    string(t.Status),
		Agent:     t.Agent,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if !t.TaskID.IsNil() {
		m.TaskID = t.TaskID.String()
	}
	return m
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse transaction id %q: %w", m.ID, err)
	}
	walletID, err := id.ParseWalletID(m.WalletID)
	if err != nil {
		return nil, fmt.Errorf("parse wallet id %q: %w", m.WalletID, err)
	}
	t := &transaction.Transaction{
		Entity:   types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:       txnID,
		WalletID: walletID,
		Amount:   types.Credits(m.Amount),
		Kind:     transaction.Kind(m.Kind),
		Status:   transaction.Status(m.Status),
		Agent:    m.Agent,
		Metadata: types.JSONSafeMap(plainMap(m.Metadata)),
	}
	if m.TaskID != "" {
		if t.TaskID, err = id.ParseTaskID(m.TaskID); err != nil {
			return nil, fmt.Errorf("parse task id %q: %w", m.TaskID, err)
		}
	}
	return t, nil
}

// ==================== Task models ====================

type taskModel struct {
	ID             string    `bson:"_id"`
	AccountID      string    `bson:"account_id"`
	Agent          string    `bson:"agent"`
	TaskType       string    `bson:"task_type"`
	ReservedAmount int64     `bson:"reserved_amount"`
	Status         string    `bson:"status"`
	Result         any       `bson:"result,omitempty"`
	FailedReason   string    `bson:"failed_reason"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toTaskModel(t *task.Task) *taskModel {
	return &taskModel{
		ID:             t.ID.String(),
		AccountID:      t.AccountID,
		Agent:          t.Agent,
		TaskType:       t.TaskType,
		ReservedAmount: int64(t.ReservedAmount),
		Status:         string(t.Status),
		Result:         types.JSONSafe(t.Result),
		FailedReason:   t.FailedReason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	taskID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", m.ID, err)
	}
	return &task.Task{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             taskID,
		AccountID:      m.AccountID,
		Agent:          m.Agent,
		TaskType:       m.TaskType,
		ReservedAmount: types.Credits(m.ReservedAmount),
		Status:         task.Status(m.Status),
		Result:         types.JSONSafe(plain(m.Result)),
		FailedReason:   m.FailedReason,
	}, nil
}

// ==================== Pricing models ====================

type agentModel struct {
	Key         string    `bson:"_id"`
	Label       string    `bson:"label"`
	Description string    `bson:"description"`
	Active      bool      `bson:"is_active"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func fromAgentModel(m *agentModel) *pricing.Agent {
	return &pricing.Agent{
		Entity:      types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Key:         m.Key,
		Label:       m.Label,
		Description: m.Description,
		Active:      m.Active,
	}
}

type actionCostModel struct {
	AgentKey  string    `bson:"agent_key"`
	ActionKey string    `bson:"action_key"`
	Label     string    `bson:"label"`
	Cost      int64     `bson:"cost"`
	Active    bool      `bson:"is_active"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromActionCostModel(m *actionCostModel) *pricing.ActionCost {
	return &pricing.ActionCost{
		Entity:    types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		AgentKey:  m.AgentKey,
		ActionKey: m.ActionKey,
		Label:     m.Label,
		Cost:      types.Credits(m.Cost),
		Active:    m.Active,
	}
}

// plain converts decoded BSON documents and arrays into the map[string]any and
// []any shapes the ledger types carry.
func plain(v any) any {
	switch x := v.(type) {
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.M:
		return plainMap(x)
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []any:
		return plain(bson.A(x))
	case map[string]any:
		return plainMap(x)
	default:
		return v
	}
}

func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}
