package credits

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/wallet"
)

// Sentinel errors for common failure scenarios. The rule errors are owned by
// the entity packages that enforce them and re-exported here.
var (
	// General errors
	ErrInvalidInput = errors.New("credits: invalid input")
	ErrNotStarted   = errors.New("credits: ledger not started")

	// Wallet errors
	ErrNoWallet            = errors.New("credits: account has no wallet")
	ErrWalletNotFound      = wallet.ErrNotFound
	ErrWalletExists        = wallet.ErrAlreadyExists
	ErrInvalidAmount       = wallet.ErrInvalidAmount
	ErrInsufficientCredits = wallet.ErrInsufficientCredits

	// Reservation errors
	ErrReservationMismatch   = wallet.ErrReservationMismatch
	ErrReservationNotPending = transaction.ErrReservationNotPending
	ErrTransactionNotFound   = transaction.ErrNotFound

	// Task errors
	ErrTaskNotFound  = task.ErrNotFound
	ErrTaskFinalized = task.ErrTaskFinalized

	// Pricing errors
	ErrAgentNotFound      = pricing.ErrAgentNotFound
	ErrActionCostNotFound = pricing.ErrActionCostNotFound
	ErrInvalidRule        = pricing.ErrInvalidRule

	// Store errors
	ErrStoreClosed       = store.ErrClosed
	ErrTransactionFailed = store.ErrConflict
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoWallet) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrActionCostNotFound)
}

// IsFatal returns true for invariant violations that must alert operators.
// Only a reservation mismatch qualifies; every other failure is recoverable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReservationMismatch)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}
