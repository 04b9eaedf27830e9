// Package store defines the persistence contract of the credit ledger. Every
// backend (memory, postgres, sqlite, mongo) implements Store.
package store

import (
	"context"
	"errors"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/wallet"
)

var (
	// ErrClosed is returned by Ping once a store has been closed.
	ErrClosed = errors.New("credits: store is closed")
	// ErrConflict is returned when a storage transaction kept failing with
	// serialization or deadlock errors after retries.
	ErrConflict = errors.New("credits: storage transaction conflict")
)

// Store is the unified storage interface for all ledger entities. The
// sub-store method names are distinct, so the interfaces embed without
// conflict.
type Store interface {
	wallet.Store
	transaction.Store
	task.Store
	pricing.Store

	// Atomic balance operations. Each runs as one storage transaction that
	// holds the wallet lock: the wallet update and the transaction write
	// both commit or neither does.

	// ReserveCredits applies wallet.Reserve(txn.Amount) and inserts txn
	// (a reserve/pending entry for the same wallet).
	ReserveCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error)
	// ConfirmReservation locks the reservation and its wallet, applies
	// wallet.Confirm and marks the entry confirmed.
	ConfirmReservation(ctx context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error)
	// RefundReservation applies wallet.Release and marks the entry refunded
	// with reason. clamped reports whether the reserved balance was clamped.
	RefundReservation(ctx context.Context, txnID id.TransactionID, reason string) (w *wallet.Wallet, txn *transaction.Transaction, clamped bool, err error)
	// DepositCredits applies wallet.Deposit(txn.Amount) and inserts txn
	// (a purchase/confirmed entry for the same wallet).
	DepositCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
