package wallet

import (
	"context"

	"github.com/xraph/credits/id"
)

type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, walletID id.WalletID) (*Wallet, error)
	GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error)
	// EnsureWallet returns the account's wallet, creating an empty one when
	// none exists. created reports whether this call inserted it.
	EnsureWallet(ctx context.Context, accountID string) (w *Wallet, created bool, err error)
}
