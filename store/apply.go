package store

import (
	"fmt"

	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/wallet"
)

// The Apply helpers hold the state transitions every backend runs inside its
// locked section. They mutate w and txn in place and leave both untouched when
// they return an error, so a backend only persists on success.

// ApplyReserve reserves txn.Amount on w.
func ApplyReserve(w *wallet.Wallet, txn *transaction.Transaction) error {
	if txn.WalletID.String() != w.ID.String() {
		return fmt.Errorf("store: reservation %s belongs to wallet %s, not %s", txn.ID, txn.WalletID, w.ID)
	}
	if !txn.IsPending() {
		return fmt.Errorf("store: reservation %s: %w", txn.ID, transaction.ErrReservationNotPending)
	}
	if err := w.Reserve(txn.Amount); err != nil {
		return fmt.Errorf("reserve %s on wallet %s: %w", txn.Amount, w.ID, err)
	}
	return nil
}

// ApplyConfirm settles txn as a deduction against w.
func ApplyConfirm(w *wallet.Wallet, txn *transaction.Transaction) error {
	if !txn.IsPending() {
		return txn.MarkConfirmed()
	}
	if err := w.Confirm(txn.Amount); err != nil {
		return fmt.Errorf("confirm %s on wallet %s: %w", txn.ID, w.ID, err)
	}
	return txn.MarkConfirmed()
}

// ApplyRefund releases txn's amount on w. It reports whether the reserved
// balance had to be clamped at zero.
func ApplyRefund(w *wallet.Wallet, txn *transaction.Transaction, reason string) (bool, error) {
	if !txn.IsPending() {
		return false, txn.MarkRefunded(reason)
	}
	clamped := w.Release(txn.Amount)
	if clamped {
		txn.SetMeta("clamped", true)
	}
	return clamped, txn.MarkRefunded(reason)
}

// ApplyDeposit credits txn.Amount to w.
func ApplyDeposit(w *wallet.Wallet, txn *transaction.Transaction) error {
	if txn.Kind != transaction.KindPurchase {
		return fmt.Errorf("store: deposit %s has kind %s", txn.ID, txn.Kind)
	}
	if err := w.Deposit(txn.Amount); err != nil {
		return fmt.Errorf("deposit %s on wallet %s: %w", txn.Amount, w.ID, err)
	}
	return nil
}

// Page applies limit/offset to an already ordered slice.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
