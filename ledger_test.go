package credits_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/credits"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// recorder captures hook calls for assertions.
type recorder struct {
	mu           sync.Mutex
	created      []string
	changes      []plugin.BalanceChange
	insufficient []types.Credits
	clamped      []id.TransactionID
	mismatches   []error
	expired      []id.TransactionID
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnWalletCreated(_ context.Context, w *wallet.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, w.AccountID)
	return nil
}

func (r *recorder) OnBalanceChanged(_ context.Context, c plugin.BalanceChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) OnInsufficientCredits(_ context.Context, _ string, _, available types.Credits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insufficient = append(r.insufficient, available)
	return nil
}

func (r *recorder) OnRefundClamped(_ context.Context, _ *wallet.Wallet, txn *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clamped = append(r.clamped, txn.ID)
	return nil
}

func (r *recorder) OnReservationMismatch(_ context.Context, _ *transaction.Transaction, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, err)
	return nil
}

func (r *recorder) OnReservationExpired(_ context.Context, txn *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, txn.ID)
	return nil
}

func (r *recorder) causes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Cause)
	}
	return out
}

func newLedger(t *testing.T, s store.Store) (*credits.Ledger, *recorder) {
	t.Helper()
	rec := &recorder{}
	l := credits.New(s, credits.WithPlugin(rec))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })
	return l, rec
}

func funded(t *testing.T, l *credits.Ledger, accountID string, amount types.Credits) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()
	if amount > 0 {
		_, err := l.Deposit(ctx, accountID, amount, nil)
		require.NoError(t, err)
	}
	w, err := l.Wallet(ctx, accountID)
	require.NoError(t, err)
	return w
}

func TestReserveConfirm(t *testing.T) {
	ctx := context.Background()
	l, rec := newLedger(t, memory.New())
	w := funded(t, l, "acct_a", credits.NewCredits(100))

	txn, err := l.Reserve(ctx, w, credits.NewCredits(30), id.Nil, "A")
	require.NoError(t, err)
	assert.Equal(t, transaction.KindReserve, txn.Kind)
	assert.Equal(t, transaction.StatusPending, txn.Status)

	w, err = l.Wallet(ctx, "acct_a")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(30), w.Reserved)
	assert.Equal(t, credits.NewCredits(70), w.Available())

	confirmed, err := l.Confirm(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.KindDeduct, confirmed.Kind)
	assert.Equal(t, transaction.StatusConfirmed, confirmed.Status)

	w, err = l.Wallet(ctx, "acct_a")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(70), w.Total)
	assert.Equal(t, types.ZeroCredits, w.Reserved)

	assert.Equal(t, []string{plugin.CauseDeposit, plugin.CauseReserve, plugin.CauseConfirm}, rec.causes())
	assert.Equal(t, []string{"acct_a"}, rec.created)
}

func TestReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	l, rec := newLedger(t, memory.New())
	w := funded(t, l, "acct_b", credits.NewCredits(50))

	_, err := l.Reserve(ctx, w, credits.NewCredits(60), id.Nil, "A")
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	w, err = l.Wallet(ctx, "acct_b")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(50), w.Total)
	assert.Equal(t, types.ZeroCredits, w.Reserved)
	assert.Equal(t, []types.Credits{credits.NewCredits(50)}, rec.insufficient)

	txns, err := l.ListTransactions(ctx, "acct_b", 0, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 1, "only the deposit is recorded")
}

func TestReserveChecksAvailable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())
	w := funded(t, l, "acct_avail", credits.NewCredits(100))

	_, err := l.Reserve(ctx, w, credits.NewCredits(60), id.Nil, "A")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, w, credits.NewCredits(60), id.Nil, "A")
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())
	w := funded(t, l, "acct_d", credits.NewCredits(100))

	var (
		g            errgroup.Group
		mu           sync.Mutex
		ok, rejected int
	)
	for range 2 {
		g.Go(func() error {
			_, err := l.Reserve(ctx, w, credits.NewCredits(60), id.Nil, "A")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, credits.ErrInsufficientCredits):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	w, err := l.Wallet(ctx, "acct_d")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(60), w.Reserved)
	assert.Equal(t, credits.NewCredits(100), w.Total)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	l, rec := newLedger(t, memory.New())
	w := funded(t, l, "acct_r", credits.NewCredits(100))

	txn, err := l.Reserve(ctx, w, credits.NewCredits(40), id.Nil, "A")
	require.NoError(t, err)

	refunded, err := l.Refund(ctx, txn.ID, "")
	require.NoError(t, err)
	assert.Equal(t, transaction.KindReserve, refunded.Kind)
	assert.Equal(t, transaction.StatusRefunded, refunded.Status)
	assert.Equal(t, transaction.ReasonRefund, refunded.Reason())

	w, err = l.Wallet(ctx, "acct_r")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(100), w.Total)
	assert.Equal(t, types.ZeroCredits, w.Reserved)
	assert.Empty(t, rec.clamped)
}

func TestSettleOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())
	w := funded(t, l, "acct_once", credits.NewCredits(10))

	txn, err := l.Reserve(ctx, w, credits.NewCredits(4), id.Nil, "A")
	require.NoError(t, err)
	_, err = l.Confirm(ctx, txn.ID)
	require.NoError(t, err)

	_, err = l.Confirm(ctx, txn.ID)
	require.ErrorIs(t, err, credits.ErrReservationNotPending)
	_, err = l.Refund(ctx, txn.ID, "")
	require.ErrorIs(t, err, credits.ErrReservationNotPending)

	w, err = l.Wallet(ctx, "acct_once")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(6), w.Total)
	assert.Equal(t, types.ZeroCredits, w.Reserved)
}

func TestZeroCostReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())
	w := funded(t, l, "acct_zero", 0)

	txn, err := l.Reserve(ctx, w, 0, id.Nil, "A")
	require.NoError(t, err)
	_, err = l.Confirm(ctx, txn.ID)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, w, -1, id.Nil, "A")
	require.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())

	_, err := l.Deposit(ctx, "acct_dep", 0, nil)
	require.ErrorIs(t, err, credits.ErrInvalidAmount)

	txn, err := l.Deposit(ctx, "acct_dep", credits.MustParseCredits("12.50"), map[string]any{
		"order": "ord_1",
		"at":    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.KindPurchase, txn.Kind)
	assert.Equal(t, transaction.StatusConfirmed, txn.Status)
	assert.Equal(t, "2024-01-02T03:04:05Z", txn.Metadata["at"])

	w, err := l.Balance(ctx, "acct_dep")
	require.NoError(t, err)
	assert.Equal(t, "12.50", w.Total.String())
}

func TestWalletLookup(t *testing.T) {
	ctx := context.Background()
	l, rec := newLedger(t, memory.New())

	_, err := l.Wallet(ctx, "acct_none")
	require.ErrorIs(t, err, credits.ErrNoWallet)

	_, err = l.OpenWallet(ctx, "")
	require.ErrorIs(t, err, credits.ErrInvalidInput)

	a, err := l.OpenWallet(ctx, "acct_new")
	require.NoError(t, err)
	b, err := l.OpenWallet(ctx, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, []string{"acct_new"}, rec.created, "created is emitted once")

	txns, err := l.ListTransactions(ctx, "acct_none", 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, txns)
	assert.Empty(t, txns)
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, memory.New())

	tk, err := l.OpenTask(ctx, "acct_t", "A", "summarize", credits.NewCredits(2))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)

	require.NoError(t, l.CompleteTask(ctx, tk, map[string]any{"text": "ok"}))
	require.ErrorIs(t, l.FailTask(ctx, tk, "late"), credits.ErrTaskFinalized)

	got, err := l.Task(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)

	tasks, err := l.ListTasks(ctx, "acct_t", task.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

// flakyTasks fails the next n task updates.
type flakyTasks struct {
	store.Store
	n int
}

func (f *flakyTasks) UpdateTask(ctx context.Context, t *task.Task) error {
	if f.n > 0 {
		f.n--
		return errors.New("disk full")
	}
	return f.Store.UpdateTask(ctx, t)
}

func TestTaskUpdateFailureKeepsTaskPending(t *testing.T) {
	ctx := context.Background()
	s := &flakyTasks{Store: memory.New()}
	l, _ := newLedger(t, s)

	tk, err := l.OpenTask(ctx, "acct_t", "A", "summarize", credits.NewCredits(2))
	require.NoError(t, err)

	s.n = 2
	require.Error(t, l.CompleteTask(ctx, tk, map[string]any{"text": "ok"}))
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Nil(t, tk.Result)
	require.Error(t, l.FailTask(ctx, tk, "boom"))
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Empty(t, tk.FailedReason)

	require.NoError(t, l.CompleteTask(ctx, tk, nil))
	got, err := l.Task(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
}

func TestExpireReservation(t *testing.T) {
	ctx := context.Background()
	l, rec := newLedger(t, memory.New())
	w := funded(t, l, "acct_exp", credits.NewCredits(10))

	tk, err := l.OpenTask(ctx, "acct_exp", "A", "slow", credits.NewCredits(3))
	require.NoError(t, err)
	txn, err := l.Reserve(ctx, w, credits.NewCredits(3), tk.ID, "A")
	require.NoError(t, err)

	stale, err := l.StaleReservations(ctx, time.Now().Add(time.Second), 10, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, txn.ID, stale[0].ID)

	require.NoError(t, l.ExpireReservation(ctx, txn.ID))

	got, err := l.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, got.Status)
	assert.Equal(t, transaction.ReasonExpired, got.Reason())

	gotTask, err := l.Task(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, gotTask.Status)
	assert.Equal(t, "reservation expired", gotTask.FailedReason)

	w, err = l.Wallet(ctx, "acct_exp")
	require.NoError(t, err)
	assert.Equal(t, types.ZeroCredits, w.Reserved)
	assert.Equal(t, []id.TransactionID{txn.ID}, rec.expired)
	assert.Contains(t, rec.causes(), plugin.CauseExpired)

	require.ErrorIs(t, l.ExpireReservation(ctx, txn.ID), credits.ErrReservationNotPending)
}

// drifted wraps a store and settles against a wallet whose balances have
// drifted out of band. Nothing is persisted on the drifted path.
type drifted struct {
	store.Store
	total, reserved types.Credits
}

func (d *drifted) load(ctx context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	txn, err := d.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, nil, err
	}
	w, err := d.GetWallet(ctx, txn.WalletID)
	if err != nil {
		return nil, nil, err
	}
	w.Total, w.Reserved = d.total, d.reserved
	return w, txn, nil
}

func (d *drifted) ConfirmReservation(ctx context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	w, txn, err := d.load(ctx, txnID)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyConfirm(w, txn); err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

func (d *drifted) RefundReservation(ctx context.Context, txnID id.TransactionID, reason string) (*wallet.Wallet, *transaction.Transaction, bool, error) {
	w, txn, err := d.load(ctx, txnID)
	if err != nil {
		return nil, nil, false, err
	}
	clamped, err := store.ApplyRefund(w, txn, reason)
	if err != nil {
		return nil, nil, false, err
	}
	return w, txn, clamped, nil
}

func TestConfirmMismatch(t *testing.T) {
	ctx := context.Background()
	s := &drifted{Store: memory.New(), total: credits.NewCredits(100), reserved: credits.NewCredits(10)}
	l, rec := newLedger(t, s)
	w := funded(t, l, "acct_mm", credits.NewCredits(100))

	txn, err := l.Reserve(ctx, w, credits.NewCredits(30), id.Nil, "A")
	require.NoError(t, err)

	_, err = l.Confirm(ctx, txn.ID)
	require.ErrorIs(t, err, credits.ErrReservationMismatch)
	assert.True(t, credits.IsFatal(err))
	assert.Len(t, rec.mismatches, 1)

	got, err := l.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPending(), "mismatch leaves the reservation for the sweep")

	w, err = l.Wallet(ctx, "acct_mm")
	require.NoError(t, err)
	assert.Equal(t, credits.NewCredits(100), w.Total)
	assert.Equal(t, credits.NewCredits(30), w.Reserved)
}

func TestRefundClamped(t *testing.T) {
	ctx := context.Background()
	s := &drifted{Store: memory.New(), total: credits.NewCredits(100), reserved: credits.NewCredits(10)}
	l, rec := newLedger(t, s)
	w := funded(t, l, "acct_clamp", credits.NewCredits(100))

	txn, err := l.Reserve(ctx, w, credits.NewCredits(30), id.Nil, "A")
	require.NoError(t, err)

	refunded, err := l.Refund(ctx, txn.ID, "")
	require.NoError(t, err)
	assert.Equal(t, true, refunded.Metadata["clamped"])
	assert.Equal(t, transaction.StatusRefunded, refunded.Status)
	assert.Equal(t, []id.TransactionID{txn.ID}, rec.clamped)

	rec.mu.Lock()
	last := rec.changes[len(rec.changes)-1]
	rec.mu.Unlock()
	assert.Equal(t, types.ZeroCredits, last.Reserved)
	assert.Equal(t, credits.NewCredits(100), last.Total)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, credits.IsNotFound(credits.ErrTaskNotFound))
	assert.True(t, credits.IsNotFound(credits.ErrNoWallet))
	assert.False(t, credits.IsNotFound(credits.ErrInsufficientCredits))
	assert.True(t, credits.IsRetryable(credits.ErrTransactionFailed))
	assert.False(t, credits.IsFatal(credits.ErrInsufficientCredits))

	verr := credits.ValidationError{Field: "amount", Message: "must be positive"}
	assert.ErrorIs(t, verr, credits.ErrInvalidInput)
	assert.Contains(t, verr.Error(), "amount")
}
