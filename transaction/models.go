package transaction

import (
	"errors"
	"fmt"
	"maps"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

var (
	ErrNotFound              = errors.New("credits: transaction not found")
	ErrReservationNotPending = errors.New("credits: reservation is not pending")
)

type Kind string

const (
	KindPurchase Kind = "purchase"
	KindReserve  Kind = "reserve"
	KindRefund   Kind = "refund"
	KindDeduct   Kind = "deduct"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

// Metadata reasons.
const (
	ReasonReserve  = "reserve_for_task"
	ReasonDeduct   = "deducted_reservation_credits"
	ReasonRefund   = "refund_reservation"
	ReasonExpired  = "reservation_expired"
	ReasonPurchase = "purchase"
)

// MetaReason is the metadata key that records why a transaction last changed.
const MetaReason = "reason"

// Transaction is an entry in a wallet's credit history. Reservations start as
// reserve/pending and end either as deduct/confirmed or reserve/refunded.
type Transaction struct {
	types.Entity
	ID       id.TransactionID `json:"id"`
	WalletID id.WalletID      `json:"wallet_id"`
	Amount   types.Credits    `json:"amount"`
	Kind     Kind             `json:"type"`
	Status   Status           `json:"status"`
	TaskID   id.TaskID        `json:"task_id,omitzero"`
	Agent    string           `json:"agent,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// NewReservation creates a pending reservation entry.
func NewReservation(walletID id.WalletID, amount types.Credits, taskID id.TaskID, agent string) *Transaction {
	return &Transaction{
		Entity:   types.NewEntity(),
		ID:       id.NewTransactionID(),
		WalletID: walletID,
		Amount:   amount,
		Kind:     KindReserve,
		Status:   StatusPending,
		TaskID:   taskID,
		Agent:    agent,
		Metadata: map[string]any{MetaReason: ReasonReserve},
	}
}

// NewPurchase creates a confirmed top-up entry.
func NewPurchase(walletID id.WalletID, amount types.Credits, metadata map[string]any) *Transaction {
	meta := types.JSONSafeMap(metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	if _, ok := meta[MetaReason]; !ok {
		meta[MetaReason] = ReasonPurchase
	}
	return &Transaction{
		Entity:   types.NewEntity(),
		ID:       id.NewTransactionID(),
		WalletID: walletID,
		Amount:   amount,
		Kind:     KindPurchase,
		Status:   StatusConfirmed,
		Metadata: meta,
	}
}

// IsPending reports whether the entry is an unsettled reservation.
func (t *Transaction) IsPending() bool {
	return t.Kind == KindReserve && t.Status == StatusPending
}

// MarkConfirmed settles a pending reservation as a deduction.
func (t *Transaction) MarkConfirmed() error {
	if !t.IsPending() {
		return t.notPending()
	}
	t.Kind = KindDeduct
	t.Status = StatusConfirmed
	t.SetMeta(MetaReason, ReasonDeduct)
	return nil
}

// MarkRefunded settles a pending reservation as released.
func (t *Transaction) MarkRefunded(reason string) error {
	if !t.IsPending() {
		return t.notPending()
	}
	if reason == "" {
		reason = ReasonRefund
	}
	t.Status = StatusRefunded
	t.SetMeta(MetaReason, reason)
	return nil
}

// SetMeta records a JSON-safe metadata value.
func (t *Transaction) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = types.JSONSafe(value)
	t.Touch()
}

// Reason returns the recorded metadata reason, if any.
func (t *Transaction) Reason() string {
	s, _ := t.Metadata[MetaReason].(string) //nolint:errcheck // missing reason is an empty string
	return s
}

func (t *Transaction) notPending() error {
	return fmt.Errorf("%w: %s is %s/%s", ErrReservationNotPending, t.ID, t.Kind, t.Status)
}

// Snapshot returns a copy with its own metadata map.
func (t *Transaction) Snapshot() *Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}
