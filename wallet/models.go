package wallet

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

var (
	ErrNotFound            = errors.New("credits: wallet not found")
	ErrAlreadyExists       = errors.New("credits: wallet already exists")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrReservationMismatch = errors.New("credits: reservation mismatch")
)

// Wallet holds an account's credit balances. Reserved credits are part of
// Total but cannot be spent by another reservation.
type Wallet struct {
	types.Entity
	ID        id.WalletID   `json:"id"`
	AccountID string        `json:"account_id"`
	Total     types.Credits `json:"total_credits"`
	Reserved  types.Credits `json:"reserved_credits"`
}

func New(accountID string) *Wallet {
	return &Wallet{
		Entity:    types.NewEntity(),
		ID:        id.NewWalletID(),
		AccountID: accountID,
	}
}

// Available returns the credits that can still be reserved.
func (w *Wallet) Available() types.Credits {
	if a := w.Total - w.Reserved; a > 0 {
		return a
	}
	return 0
}

// Reserve moves amount into the reserved balance.
func (w *Wallet) Reserve(amount types.Credits) error {
	if amount < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if w.Available() < amount {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientCredits, amount, w.Available())
	}
	w.Reserved += amount
	w.Touch()
	return nil
}

// Confirm deducts a previously reserved amount from both balances. It never
// clamps: if the balances cannot cover amount nothing changes.
func (w *Wallet) Confirm(amount types.Credits) error {
	if amount < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if w.Reserved < amount || w.Total < amount {
		return fmt.Errorf("%w: confirm %s with total %s, reserved %s",
			ErrReservationMismatch, amount, w.Total, w.Reserved)
	}
	w.Reserved -= amount
	w.Total -= amount
	w.Touch()
	return nil
}

// Release returns amount from the reserved balance, clamping at zero.
// It reports whether clamping happened.
func (w *Wallet) Release(amount types.Credits) (clamped bool) {
	if amount < 0 {
		amount = 0
	}
	if w.Reserved < amount {
		w.Reserved = 0
		clamped = true
	} else {
		w.Reserved -= amount
	}
	w.Touch()
	return clamped
}

// Deposit adds confirmed credits to the wallet.
func (w *Wallet) Deposit(amount types.Credits) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit must be positive, got %s", ErrInvalidAmount, amount)
	}
	w.Total += amount
	w.Touch()
	return nil
}

// Validate checks the balance invariant 0 <= Reserved <= Total.
func (w *Wallet) Validate() error {
	if w.Reserved < 0 || w.Total < 0 || w.Reserved > w.Total {
		return fmt.Errorf("credits: wallet %s violates balance invariant: total %s, reserved %s",
			w.ID, w.Total, w.Reserved)
	}
	return nil
}

// Snapshot returns a copy that callers may mutate freely.
func (w *Wallet) Snapshot() *Wallet {
	c := *w
	return &c
}
