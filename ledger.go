package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Ledger is the credit reservation engine. It owns the wallet, reservation
// and task lifecycles on top of a store.Store and reports every change to the
// plugin registry.
type Ledger struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithHookTimeout bounds each plugin hook call.
func WithHookTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.plugins.WithTimeout(d)
	}
}

// Start migrates the store and initializes plugins.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return fmt.Errorf("credits: migrate: %w", err)
	}

	l.plugins.EmitInit(ctx, l)

	l.logger.Info("credit ledger started",
		"plugins", l.plugins.Count(),
	)

	return nil
}

// Stop notifies plugins and closes the store.
func (l *Ledger) Stop() error {
	l.plugins.EmitShutdown(context.Background())
	return l.store.Close()
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry so plugins can be added after New.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Logger returns the ledger's logger.
func (l *Ledger) Logger() *slog.Logger { return l.logger }

// ──────────────────────────────────────────────────
// Wallets
// ──────────────────────────────────────────────────

// OpenWallet returns the account's wallet, creating an empty one if needed.
func (l *Ledger) OpenWallet(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "required"}
	}

	w, created, err := l.store.EnsureWallet(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credits: open wallet for %s: %w", accountID, err)
	}

	if created {
		l.logger.Info("wallet created",
			"account_id", accountID,
			"wallet_id", w.ID.String(),
		)
		l.plugins.EmitWalletCreated(ctx, w)
	}
	return w, nil
}

// Wallet looks up the account's wallet without creating it. It returns
// ErrNoWallet when the account has none.
func (l *Ledger) Wallet(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	w, err := l.store.GetWalletByAccount(ctx, accountID)
	if errors.Is(err, wallet.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoWallet, accountID)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Balance returns the account's current balances, creating an empty wallet
// for first-time accounts.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	return l.OpenWallet(ctx, accountID)
}

// Deposit credits a confirmed top-up to the account. metadata is stored
// JSON-safe on the purchase transaction.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount types.Credits, metadata map[string]any) (*transaction.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive, got %s", ErrInvalidAmount, amount)
	}

	w, err := l.OpenWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}

	txn := transaction.NewPurchase(w.ID, amount, metadata)
	w, err = l.store.DepositCredits(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("credits: deposit %s to %s: %w", amount, accountID, err)
	}

	l.logger.Info("credits deposited",
		"account_id", accountID,
		"transaction_id", txn.ID.String(),
		"amount", amount.String(),
		"total", w.Total.String(),
	)

	l.plugins.EmitDeposit(ctx, w, txn)
	l.plugins.EmitBalanceChanged(ctx, plugin.NewBalanceChange(w, txn.ID, plugin.CauseDeposit))
	return txn, nil
}

// ──────────────────────────────────────────────────
// Reservation protocol
// ──────────────────────────────────────────────────

// Reserve holds amount on w for a task. The wallet update and the new
// reserve/pending transaction commit atomically. When the wallet cannot cover
// amount it returns ErrInsufficientCredits and nothing is written.
func (l *Ledger) Reserve(ctx context.Context, w *wallet.Wallet, amount types.Credits, taskID id.TaskID, agent string) (*transaction.Transaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: reservation must not be negative, got %s", ErrInvalidAmount, amount)
	}

	txn := transaction.NewReservation(w.ID, amount, taskID, agent)
	updated, err := l.store.ReserveCredits(ctx, txn)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			available := w.Available()
			if cur, getErr := l.store.GetWallet(ctx, w.ID); getErr == nil {
				available = cur.Available()
			}
			l.logger.Info("reservation rejected",
				"account_id", w.AccountID,
				"amount", amount.String(),
				"available", available.String(),
			)
			l.plugins.EmitInsufficientCredits(ctx, w.AccountID, amount, available)
		}
		return nil, fmt.Errorf("credits: reserve %s for %s: %w", amount, w.AccountID, err)
	}

	l.logger.Debug("credits reserved",
		"account_id", updated.AccountID,
		"transaction_id", txn.ID.String(),
		"amount", amount.String(),
		"reserved", updated.Reserved.String(),
	)

	l.plugins.EmitReserved(ctx, updated, txn)
	l.plugins.EmitBalanceChanged(ctx, plugin.NewBalanceChange(updated, txn.ID, plugin.CauseReserve))
	return txn, nil
}

// Confirm settles a pending reservation: both the total and the reserved
// balance drop by the reserved amount. A wallet that cannot cover the
// reservation yields ErrReservationMismatch and is never clamped.
func (l *Ledger) Confirm(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	w, txn, err := l.store.ConfirmReservation(ctx, txnID)
	if err != nil {
		if errors.Is(err, ErrReservationMismatch) {
			l.logger.Error("reservation mismatch on confirm",
				"transaction_id", txnID.String(),
				"error", err,
			)
			if pending, getErr := l.store.GetTransaction(ctx, txnID); getErr == nil {
				l.plugins.EmitReservationMismatch(ctx, pending, err)
			}
		}
		return nil, fmt.Errorf("credits: confirm %s: %w", txnID, err)
	}

	l.logger.Debug("reservation confirmed",
		"account_id", w.AccountID,
		"transaction_id", txn.ID.String(),
		"amount", txn.Amount.String(),
		"total", w.Total.String(),
	)

	l.plugins.EmitConfirmed(ctx, w, txn)
	l.plugins.EmitBalanceChanged(ctx, plugin.NewBalanceChange(w, txn.ID, plugin.CauseConfirm))
	return txn, nil
}

// Refund releases a pending reservation without spending it. If the wallet
// had less reserved than the reservation's amount, the reserved balance is
// clamped at zero, a warning is logged and OnRefundClamped is emitted.
func (l *Ledger) Refund(ctx context.Context, txnID id.TransactionID, reason string) (*transaction.Transaction, error) {
	w, txn, clamped, err := l.store.RefundReservation(ctx, txnID, reason)
	if err != nil {
		return nil, fmt.Errorf("credits: refund %s: %w", txnID, err)
	}

	if clamped {
		l.logger.Warn("refund clamped reserved balance at zero",
			"account_id", w.AccountID,
			"transaction_id", txn.ID.String(),
			"amount", txn.Amount.String(),
		)
		l.plugins.EmitRefundClamped(ctx, w, txn)
	}

	l.logger.Debug("reservation refunded",
		"account_id", w.AccountID,
		"transaction_id", txn.ID.String(),
		"amount", txn.Amount.String(),
		"reason", txn.Reason(),
	)

	l.plugins.EmitRefunded(ctx, w, txn)
	cause := plugin.CauseRefund
	if reason == transaction.ReasonExpired {
		cause = plugin.CauseExpired
	}
	l.plugins.EmitBalanceChanged(ctx, plugin.NewBalanceChange(w, txn.ID, cause))
	return txn, nil
}

// Transaction returns a single transaction.
func (l *Ledger) Transaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	return l.store.GetTransaction(ctx, txnID)
}

// ──────────────────────────────────────────────────
// Task tracking
// ──────────────────────────────────────────────────

// OpenTask records a pending task attempt before any side effect runs.
func (l *Ledger) OpenTask(ctx context.Context, accountID, agent, action string, reserved types.Credits) (*task.Task, error) {
	t := task.New(accountID, agent, action, reserved)
	if err := l.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("credits: open task %s/%s: %w", agent, action, err)
	}

	l.plugins.EmitTaskOpened(ctx, t)
	return t, nil
}

// CompleteTask marks t successful and stores a JSON-safe copy of result.
func (l *Ledger) CompleteTask(ctx context.Context, t *task.Task, result any) error {
	prev := *t
	if err := t.Succeed(result); err != nil {
		return err
	}
	if err := l.store.UpdateTask(ctx, t); err != nil {
		*t = prev
		return fmt.Errorf("credits: complete task %s: %w", t.ID, err)
	}

	l.plugins.EmitTaskCompleted(ctx, t)
	return nil
}

// FailTask marks t failed with reason.
func (l *Ledger) FailTask(ctx context.Context, t *task.Task, reason string) error {
	prev := *t
	if err := t.Fail(reason); err != nil {
		return err
	}
	if err := l.store.UpdateTask(ctx, t); err != nil {
		*t = prev
		return fmt.Errorf("credits: fail task %s: %w", t.ID, err)
	}

	l.logger.Info("task failed",
		"account_id", t.AccountID,
		"task_id", t.ID.String(),
		"reason", reason,
	)

	l.plugins.EmitTaskFailed(ctx, t)
	return nil
}

// Task returns a single task.
func (l *Ledger) Task(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return l.store.GetTask(ctx, taskID)
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// ListTransactions returns an account's transactions, newest first. Accounts
// without a wallet have no history.
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	w, err := l.Wallet(ctx, accountID)
	if errors.Is(err, ErrNoWallet) {
		return []*transaction.Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, w.ID, transaction.ListOpts{Limit: limit, Offset: offset})
}

// ListTasks returns an account's tasks, newest first.
func (l *Ledger) ListTasks(ctx context.Context, accountID string, opts task.ListOpts) ([]*task.Task, error) {
	return l.store.ListTasks(ctx, accountID, opts)
}

// ──────────────────────────────────────────────────
// Expiry
// ──────────────────────────────────────────────────

// StaleReservations returns reservations still pending after cutoff, oldest
// first, skipping the first offset.
func (l *Ledger) StaleReservations(ctx context.Context, cutoff time.Time, limit, offset int) ([]*transaction.Transaction, error) {
	return l.store.ListStaleReservations(ctx, cutoff, limit, offset)
}

// ExpireReservation force-refunds a stale reservation and fails its task.
func (l *Ledger) ExpireReservation(ctx context.Context, txnID id.TransactionID) error {
	txn, err := l.Refund(ctx, txnID, transaction.ReasonExpired)
	if err != nil {
		return err
	}

	if !txn.TaskID.IsNil() {
		t, err := l.store.GetTask(ctx, txn.TaskID)
		switch {
		case errors.Is(err, task.ErrNotFound):
		case err != nil:
			return fmt.Errorf("credits: expire %s: load task: %w", txnID, err)
		case !t.IsFinal():
			if err := l.FailTask(ctx, t, "reservation expired"); err != nil {
				return err
			}
		}
	}

	l.logger.Warn("reservation expired",
		"transaction_id", txnID.String(),
		"amount", txn.Amount.String(),
	)
	l.plugins.EmitReservationExpired(ctx, txn)
	return nil
}
