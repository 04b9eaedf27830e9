package plugin

import (
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Balance change causes.
const (
	CauseDeposit = "deposit"
	CauseReserve = "reserve"
	CauseConfirm = "confirm"
	CauseRefund  = "refund"
	CauseExpired = "expired"
)

// BalanceChange describes a wallet after a committed change.
type BalanceChange struct {
	AccountID     string           `json:"account_id"`
	WalletID      id.WalletID      `json:"wallet_id"`
	TransactionID id.TransactionID `json:"transaction_id,omitzero"`
	Total         types.Credits    `json:"total_credits"`
	Reserved      types.Credits    `json:"reserved_credits"`
	Available     types.Credits    `json:"available_credits"`
	Cause         string           `json:"cause"`
}

// NewBalanceChange snapshots w.
func NewBalanceChange(w *wallet.Wallet, txnID id.TransactionID, cause string) BalanceChange {
	return BalanceChange{
		AccountID:     w.AccountID,
		WalletID:      w.ID,
		TransactionID: txnID,
		Total:         w.Total,
		Reserved:      w.Reserved,
		Available:     w.Available(),
		Cause:         cause,
	}
}

// Payload returns the change as the flat map sent to balance subscribers.
func (c BalanceChange) Payload() map[string]any {
	return map[string]any{
		"account_id":        c.AccountID,
		"total_credits":     c.Total.Float64(),
		"reserved_credits":  c.Reserved.Float64(),
		"available_credits": c.Available.Float64(),
		"cause":             c.Cause,
	}
}
