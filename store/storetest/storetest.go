// Package storetest is a conformance suite that every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// Run runs the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Wallets", testWallets},
		{"EnsureWallet", testEnsureWallet},
		{"Deposit", testDeposit},
		{"ReserveConfirm", testReserveConfirm},
		{"ReserveRefund", testReserveRefund},
		{"InsufficientCredits", testInsufficientCredits},
		{"ConcurrentReservations", testConcurrentReservations},
		{"ConcurrentSettlement", testConcurrentSettlement},
		{"ListTransactions", testListTransactions},
		{"StaleReservations", testStaleReservations},
		{"Tasks", testTasks},
		{"Pricing", testPricing},
		{"NotFound", testNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func fundedWallet(t *testing.T, s store.Store, account string, amount types.Credits) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()

	w, _, err := s.EnsureWallet(ctx, account)
	require.NoError(t, err)
	if amount > 0 {
		w, err = s.DepositCredits(ctx, transaction.NewPurchase(w.ID, amount, nil))
		require.NoError(t, err)
	}
	return w
}

func reserve(t *testing.T, s store.Store, w *wallet.Wallet, amount types.Credits) *transaction.Transaction {
	t.Helper()
	txn := transaction.NewReservation(w.ID, amount, id.NewTaskID(), "TestAgent")
	_, err := s.ReserveCredits(context.Background(), txn)
	require.NoError(t, err)
	return txn
}

func testWallets(t *testing.T, s store.Store) {
	ctx := context.Background()

	w := wallet.New("acct_wallets")
	require.NoError(t, s.CreateWallet(ctx, w))

	err := s.CreateWallet(ctx, wallet.New("acct_wallets"))
	require.ErrorIs(t, err, wallet.ErrAlreadyExists)

	got, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID.String(), got.ID.String())
	assert.Equal(t, "acct_wallets", got.AccountID)
	assert.Equal(t, types.Credits(0), got.Total)

	byAccount, err := s.GetWalletByAccount(ctx, "acct_wallets")
	require.NoError(t, err)
	assert.Equal(t, w.ID.String(), byAccount.ID.String())
}

func testEnsureWallet(t *testing.T, s store.Store) {
	ctx := context.Background()

	w, created, err := s.EnsureWallet(ctx, "acct_ensure")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.EnsureWallet(ctx, "acct_ensure")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, w.ID.String(), again.ID.String())
}

func testDeposit(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_deposit", 0)

	txn := transaction.NewPurchase(w.ID, 2500, map[string]any{"order_id": "ord_1"})
	updated, err := s.DepositCredits(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(2500), updated.Total)
	assert.Equal(t, types.Credits(0), updated.Reserved)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.KindPurchase, stored.Kind)
	assert.Equal(t, transaction.StatusConfirmed, stored.Status)
	assert.Equal(t, "ord_1", stored.Metadata["order_id"])

	_, err = s.DepositCredits(ctx, transaction.NewPurchase(w.ID, 0, nil))
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

func testReserveConfirm(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_confirm", 1000)

	txn := transaction.NewReservation(w.ID, 150, id.NewTaskID(), "TestAgent")
	updated, err := s.ReserveCredits(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(1000), updated.Total)
	assert.Equal(t, types.Credits(150), updated.Reserved)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())
	assert.Equal(t, txn.TaskID.String(), stored.TaskID.String())
	assert.Equal(t, "TestAgent", stored.Agent)

	w2, confirmed, err := s.ConfirmReservation(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(850), w2.Total)
	assert.Equal(t, types.Credits(0), w2.Reserved)
	assert.Equal(t, transaction.KindDeduct, confirmed.Kind)
	assert.Equal(t, transaction.StatusConfirmed, confirmed.Status)
	assert.Equal(t, transaction.ReasonDeduct, confirmed.Reason())

	_, _, err = s.ConfirmReservation(ctx, txn.ID)
	require.ErrorIs(t, err, transaction.ErrReservationNotPending)
	_, _, _, err = s.RefundReservation(ctx, txn.ID, "")
	require.ErrorIs(t, err, transaction.ErrReservationNotPending)

	final, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(850), final.Total)
	assert.Equal(t, types.Credits(0), final.Reserved)
}

func testReserveRefund(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_refund", 1000)
	txn := reserve(t, s, w, 400)

	w2, refunded, clamped, err := s.RefundReservation(ctx, txn.ID, "")
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.Equal(t, types.Credits(1000), w2.Total)
	assert.Equal(t, types.Credits(0), w2.Reserved)
	assert.Equal(t, transaction.KindReserve, refunded.Kind)
	assert.Equal(t, transaction.StatusRefunded, refunded.Status)
	assert.Equal(t, transaction.ReasonRefund, refunded.Reason())

	_, _, _, err = s.RefundReservation(ctx, txn.ID, "")
	require.ErrorIs(t, err, transaction.ErrReservationNotPending)
	_, _, err = s.ConfirmReservation(ctx, txn.ID)
	require.ErrorIs(t, err, transaction.ErrReservationNotPending)
}

func testInsufficientCredits(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_insufficient", 500)
	reserve(t, s, w, 300)

	txn := transaction.NewReservation(w.ID, 201, id.NewTaskID(), "TestAgent")
	_, err := s.ReserveCredits(ctx, txn)
	require.ErrorIs(t, err, wallet.ErrInsufficientCredits)

	_, err = s.GetTransaction(ctx, txn.ID)
	require.ErrorIs(t, err, transaction.ErrNotFound)

	final, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(500), final.Total)
	assert.Equal(t, types.Credits(300), final.Reserved)
}

func testConcurrentReservations(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_concurrent", 1000)

	const attempts = 20
	results := make([]error, attempts)

	var g errgroup.Group
	for i := range attempts {
		g.Go(func() error {
			txn := transaction.NewReservation(w.ID, 100, id.NewTaskID(), "TestAgent")
			_, results[i] = s.ReserveCredits(ctx, txn)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, wallet.ErrInsufficientCredits)
	}
	assert.Equal(t, 10, succeeded)

	final, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(1000), final.Total)
	assert.Equal(t, types.Credits(1000), final.Reserved)
	require.NoError(t, final.Validate())
}

func testConcurrentSettlement(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_settle_race", 1000)
	txn := reserve(t, s, w, 300)

	const racers = 8
	errs := make([]error, racers)

	var g errgroup.Group
	for i := range racers {
		g.Go(func() error {
			if i%2 == 0 {
				_, _, errs[i] = s.ConfirmReservation(ctx, txn.ID)
			} else {
				_, _, _, errs[i] = s.RefundReservation(ctx, txn.ID, "")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	settled := 0
	for _, err := range errs {
		if err == nil {
			settled++
			continue
		}
		require.ErrorIs(t, err, transaction.ErrReservationNotPending)
	}
	assert.Equal(t, 1, settled, "exactly one settlement must win")

	final, err := s.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(0), final.Reserved)
	assert.Contains(t, []types.Credits{700, 1000}, final.Total)
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_list", 1000)

	var ids []string
	for range 3 {
		time.Sleep(2 * time.Millisecond)
		ids = append(ids, reserve(t, s, w, 100).ID.String())
	}

	all, err := s.ListTransactions(ctx, w.ID, transaction.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4, "three reservations plus the deposit")
	assert.Equal(t, ids[2], all[0].ID.String(), "newest first")
	assert.Equal(t, transaction.KindPurchase, all[3].Kind)

	page, err := s.ListTransactions(ctx, w.ID, transaction.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID.String())
	assert.Equal(t, ids[0], page[1].ID.String())

	reserves, err := s.ListTransactions(ctx, w.ID, transaction.ListOpts{Kind: transaction.KindReserve})
	require.NoError(t, err)
	assert.Len(t, reserves, 3)

	other := fundedWallet(t, s, "acct_list_other", 0)
	none, err := s.ListTransactions(ctx, other.ID, transaction.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStaleReservations(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := fundedWallet(t, s, "acct_stale", 1000)

	first := reserve(t, s, w, 100)
	time.Sleep(2 * time.Millisecond)
	second := reserve(t, s, w, 100)
	settled := reserve(t, s, w, 100)
	_, _, err := s.ConfirmReservation(ctx, settled.ID)
	require.NoError(t, err)

	none, err := s.ListStaleReservations(ctx, time.Now().Add(-time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	stale, err := s.ListStaleReservations(ctx, time.Now().Add(time.Minute), 10, 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, first.ID.String(), stale[0].ID.String(), "oldest first")
	assert.Equal(t, second.ID.String(), stale[1].ID.String())

	limited, err := s.ListStaleReservations(ctx, time.Now().Add(time.Minute), 1, 0)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID.String(), limited[0].ID.String())

	skipped, err := s.ListStaleReservations(ctx, time.Now().Add(time.Minute), 1, 1)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, second.ID.String(), skipped[0].ID.String())
}

func testTasks(t *testing.T, s store.Store) {
	ctx := context.Background()

	tk := task.New("acct_tasks", "TestAgent", "summarize", 150)
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, types.Credits(150), got.ReservedAmount)
	assert.Equal(t, "summarize", got.TaskType)

	require.NoError(t, got.Succeed(map[string]any{"text": "done", "tokens": 12}))
	require.NoError(t, s.UpdateTask(ctx, got))

	updated, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, updated.Status)
	res, ok := updated.Result.(map[string]any)
	require.True(t, ok, "result type %T", updated.Result)
	assert.Equal(t, "done", res["text"])

	time.Sleep(2 * time.Millisecond)
	failed := task.New("acct_tasks", "TestAgent", "translate", 100)
	require.NoError(t, failed.Fail("Insufficient credits"))
	require.NoError(t, s.CreateTask(ctx, failed))

	list, err := s.ListTasks(ctx, "acct_tasks", task.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, failed.ID.String(), list[0].ID.String(), "newest first")
	assert.Equal(t, "Insufficient credits", list[0].FailedReason)

	onlyFailed, err := s.ListTasks(ctx, "acct_tasks", task.ListOpts{Status: task.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, onlyFailed, 1)

	err = s.UpdateTask(ctx, task.New("acct_tasks", "TestAgent", "ghost", 0))
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testPricing(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.SaveAgent(ctx, &pricing.Agent{Key: "WritingAgent", Label: "Writing", Active: true}))
	require.NoError(t, s.SaveAgent(ctx, &pricing.Agent{Key: "Retired", Active: false}))
	require.NoError(t, s.SaveActionCost(ctx, &pricing.ActionCost{AgentKey: "WritingAgent", ActionKey: "summarize", Cost: 250, Active: true}))
	require.NoError(t, s.SaveActionCost(ctx, &pricing.ActionCost{AgentKey: "WritingAgent", ActionKey: "draft", Cost: 500, Active: false}))

	a, err := s.GetActiveAgent(ctx, "WritingAgent")
	require.NoError(t, err)
	assert.Equal(t, "Writing", a.Label)

	_, err = s.GetActiveAgent(ctx, "Retired")
	require.ErrorIs(t, err, pricing.ErrAgentNotFound)

	c, err := s.GetActiveActionCost(ctx, "WritingAgent", "summarize")
	require.NoError(t, err)
	assert.Equal(t, types.Credits(250), c.Cost)

	_, err = s.GetActiveActionCost(ctx, "WritingAgent", "draft")
	require.ErrorIs(t, err, pricing.ErrActionCostNotFound)

	// Save is an upsert on (agent, action).
	require.NoError(t, s.SaveActionCost(ctx, &pricing.ActionCost{AgentKey: "WritingAgent", ActionKey: "summarize", Cost: 300, Active: true}))
	c, err = s.GetActiveActionCost(ctx, "WritingAgent", "summarize")
	require.NoError(t, err)
	assert.Equal(t, types.Credits(300), c.Cost)

	err = s.SaveActionCost(ctx, &pricing.ActionCost{AgentKey: "WritingAgent", ActionKey: "bad", Cost: -1, Active: true})
	require.ErrorIs(t, err, pricing.ErrInvalidRule)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetWallet(ctx, id.NewWalletID())
	require.ErrorIs(t, err, wallet.ErrNotFound)
	_, err = s.GetWalletByAccount(ctx, "nobody")
	require.ErrorIs(t, err, wallet.ErrNotFound)
	_, err = s.GetTransaction(ctx, id.NewTransactionID())
	require.ErrorIs(t, err, transaction.ErrNotFound)
	_, _, err = s.ConfirmReservation(ctx, id.NewTransactionID())
	require.ErrorIs(t, err, transaction.ErrNotFound)
	_, err = s.GetTask(ctx, id.NewTaskID())
	require.ErrorIs(t, err, task.ErrNotFound)
	_, err = s.GetActiveAgent(ctx, "ghost")
	require.ErrorIs(t, err, pricing.ErrAgentNotFound)

	orphan := transaction.NewReservation(id.NewWalletID(), 100, id.Nil, "")
	_, err = s.ReserveCredits(ctx, orphan)
	require.ErrorIs(t, err, wallet.ErrNotFound)
}
