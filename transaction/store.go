package transaction

import (
	"context"
	"time"

	"github.com/xraph/credits/id"
)

type Store interface {
	GetTransaction(ctx context.Context, txnID id.TransactionID) (*Transaction, error)
	// ListTransactions returns a wallet's history, newest first.
	ListTransactions(ctx context.Context, walletID id.WalletID, opts ListOpts) ([]*Transaction, error)
	// ListStaleReservations returns pending reservations created before the
	// cutoff, oldest first, skipping the first offset rows.
	ListStaleReservations(ctx context.Context, before time.Time, limit, offset int) ([]*Transaction, error)
}

type ListOpts struct {
	Kind   Kind
	Status Status
	Limit  int
	Offset int
}
