// Package audithook bridges credit ledger lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend on any
// particular audit store. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnWalletCreated       = (*Extension)(nil)
	_ plugin.OnDeposit             = (*Extension)(nil)
	_ plugin.OnReserved            = (*Extension)(nil)
	_ plugin.OnConfirmed           = (*Extension)(nil)
	_ plugin.OnRefunded            = (*Extension)(nil)
	_ plugin.OnRefundClamped       = (*Extension)(nil)
	_ plugin.OnInsufficientCredits = (*Extension)(nil)
	_ plugin.OnReservationMismatch = (*Extension)(nil)
	_ plugin.OnReservationExpired  = (*Extension)(nil)
	_ plugin.OnTaskOpened          = (*Extension)(nil)
	_ plugin.OnTaskCompleted       = (*Extension)(nil)
	_ plugin.OnTaskFailed          = (*Extension)(nil)
	_ plugin.OnCostDefaulted       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnWalletCreated implements plugin.OnWalletCreated.
func (e *Extension) OnWalletCreated(ctx context.Context, w *wallet.Wallet) error {
	return e.record(ctx, ActionWalletCreated, SeverityInfo, OutcomeSuccess,
		ResourceWallet, w.ID.String(), w.AccountID, CategoryBilling, nil,
	)
}

// OnDeposit implements plugin.OnDeposit.
func (e *Extension) OnDeposit(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error {
	return e.record(ctx, ActionCreditsDeposited, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), w.AccountID, CategoryBilling, nil,
		"amount", txn.Amount.String(),
		"total_credits", w.Total.String(),
	)
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReserved implements plugin.OnReserved.
func (e *Extension) OnReserved(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error {
	return e.record(ctx, ActionCreditsReserved, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), w.AccountID, CategoryReservation, nil,
		txnPairs(w, txn)...,
	)
}

// OnConfirmed implements plugin.OnConfirmed.
func (e *Extension) OnConfirmed(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error {
	return e.record(ctx, ActionCreditsDeducted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), w.AccountID, CategoryReservation, nil,
		txnPairs(w, txn)...,
	)
}

// OnRefunded implements plugin.OnRefunded.
func (e *Extension) OnRefunded(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error {
	return e.record(ctx, ActionCreditsRefunded, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), w.AccountID, CategoryReservation, nil,
		append(txnPairs(w, txn), "refund_reason", txn.Reason())...,
	)
}

// OnRefundClamped implements plugin.OnRefundClamped.
func (e *Extension) OnRefundClamped(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error {
	return e.record(ctx, ActionRefundClamped, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), w.AccountID, CategoryReservation, nil,
		txnPairs(w, txn)...,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, accountID string, requested, available types.Credits) error {
	return e.record(ctx, ActionCreditsInsufficient, SeverityWarning, OutcomeFailure,
		ResourceWallet, "", accountID, CategoryReservation, nil,
		"requested", requested.String(),
		"available", available.String(),
	)
}

// OnReservationMismatch implements plugin.OnReservationMismatch.
func (e *Extension) OnReservationMismatch(ctx context.Context, txn *transaction.Transaction, err error) error {
	return e.record(ctx, ActionReservationMismatch, SeverityCritical, OutcomeFailure,
		ResourceTransaction, txn.ID.String(), "", CategoryReservation, err,
		"wallet_id", txn.WalletID.String(),
		"amount", txn.Amount.String(),
	)
}

// OnReservationExpired implements plugin.OnReservationExpired.
func (e *Extension) OnReservationExpired(ctx context.Context, txn *transaction.Transaction) error {
	return e.record(ctx, ActionReservationExpired, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), "", CategoryReservation, nil,
		"wallet_id", txn.WalletID.String(),
		"amount", txn.Amount.String(),
		"created_at", txn.CreatedAt,
	)
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskOpened implements plugin.OnTaskOpened.
func (e *Extension) OnTaskOpened(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskOpened, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), t.AccountID, CategoryUsage, nil,
		taskPairs(t)...,
	)
}

// OnTaskCompleted implements plugin.OnTaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), t.AccountID, CategoryUsage, nil,
		taskPairs(t)...,
	)
}

// OnTaskFailed implements plugin.OnTaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskFailed, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), t.AccountID, CategoryUsage, nil,
		append(taskPairs(t), "failed_reason", t.FailedReason)...,
	)
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnCostDefaulted implements plugin.OnCostDefaulted.
func (e *Extension) OnCostDefaulted(ctx context.Context, agentKey, actionKey string, cost types.Credits, cause error) error {
	severity := SeverityInfo
	if cause != nil {
		severity = SeverityError
	}
	return e.record(ctx, ActionCostDefaulted, severity, OutcomeSuccess,
		ResourcePricing, agentKey+"."+actionKey, "", CategoryPricing, cause,
		"agent", agentKey,
		"action", actionKey,
		"cost", cost.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func txnPairs(w *wallet.Wallet, txn *transaction.Transaction) []any {
	pairs := []any{
		"wallet_id", w.ID.String(),
		"amount", txn.Amount.String(),
		"agent", txn.Agent,
		"reserved_credits", w.Reserved.String(),
		"total_credits", w.Total.String(),
	}
	if !txn.TaskID.IsNil() {
		pairs = append(pairs, "task_id", txn.TaskID.String())
	}
	return pairs
}

func taskPairs(t *task.Task) []any {
	return []any{
		"agent", t.Agent,
		"task_type", t.TaskType,
		"reserved_amount", t.ReservedAmount.String(),
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, accountID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		AccountID:  accountID,
		Metadata:   types.JSONSafeMap(meta),
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
