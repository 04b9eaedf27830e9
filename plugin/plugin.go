// Package plugin provides the lifecycle hooks that extensions of the credit
// ledger implement. A plugin implements Plugin plus any subset of the hook
// interfaces; the Registry discovers them once at registration.
package plugin

import (
	"context"

	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts. l is the *credits.Ledger.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnWalletCreated is called when a wallet is created for an account.
type OnWalletCreated interface {
	Plugin
	OnWalletCreated(ctx context.Context, w *wallet.Wallet) error
}

// OnDeposit is called after a top-up is committed.
type OnDeposit interface {
	Plugin
	OnDeposit(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error
}

// OnBalanceChanged is called after every committed balance change.
type OnBalanceChanged interface {
	Plugin
	OnBalanceChanged(ctx context.Context, change BalanceChange) error
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReserved is called after a reservation is committed.
type OnReserved interface {
	Plugin
	OnReserved(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error
}

// OnConfirmed is called after a reservation is settled as a deduction.
type OnConfirmed interface {
	Plugin
	OnConfirmed(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error
}

// OnRefunded is called after a reservation is released.
type OnRefunded interface {
	Plugin
	OnRefunded(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error
}

// OnRefundClamped is called when a refund asked to release more than the
// wallet had reserved and the reserved balance was clamped at zero.
type OnRefundClamped interface {
	Plugin
	OnRefundClamped(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) error
}

// OnInsufficientCredits is called when a reservation is rejected.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, accountID string, requested, available types.Credits) error
}

// OnReservationMismatch is called when a confirm finds balances that cannot
// cover the reservation. Operators should be alerted.
type OnReservationMismatch interface {
	Plugin
	OnReservationMismatch(ctx context.Context, txn *transaction.Transaction, err error) error
}

// OnReservationExpired is called when the sweep force-refunds a stale
// reservation.
type OnReservationExpired interface {
	Plugin
	OnReservationExpired(ctx context.Context, txn *transaction.Transaction) error
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskOpened is called when a task attempt is recorded.
type OnTaskOpened interface {
	Plugin
	OnTaskOpened(ctx context.Context, t *task.Task) error
}

// OnTaskCompleted is called when a task finishes successfully.
type OnTaskCompleted interface {
	Plugin
	OnTaskCompleted(ctx context.Context, t *task.Task) error
}

// OnTaskFailed is called when a task is marked failed.
type OnTaskFailed interface {
	Plugin
	OnTaskFailed(ctx context.Context, t *task.Task) error
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnCostDefaulted is called when no active pricing rule matched, or the rule
// lookup failed, and the resolver returned a default cost. cause is nil when
// the rules were simply absent.
type OnCostDefaulted interface {
	Plugin
	OnCostDefaulted(ctx context.Context, agentKey, actionKey string, cost types.Credits, cause error) error
}
