// Package memory provides an in-process Store. A single mutex serializes every
// balance operation, which gives the same atomicity the SQL backends get from
// row locks. Values are copied in and out so callers never share state with
// the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Wallet storage, keyed by wallet ID, plus the account index.
	wallets   map[string]*wallet.Wallet
	byAccount map[string]string

	// Transaction storage in insertion order.
	transactions map[string]*transaction.Transaction
	txnOrder     []string

	// Task storage
	tasks     map[string]*task.Task
	taskOrder []string

	// Pricing storage
	agents      map[string]*pricing.Agent
	actionCosts map[string]*pricing.ActionCost

	closed bool
}

func New() *Store {
	return &Store{
		wallets:      make(map[string]*wallet.Wallet),
		byAccount:    make(map[string]string),
		transactions: make(map[string]*transaction.Transaction),
		tasks:        make(map[string]*task.Task),
		agents:       make(map[string]*pricing.Agent),
		actionCosts:  make(map[string]*pricing.ActionCost),
	}
}

// ==================== Wallet Store ====================

func (s *Store) CreateWallet(_ context.Context, w *wallet.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byAccount[w.AccountID]; exists {
		return fmt.Errorf("account %s: %w", w.AccountID, wallet.ErrAlreadyExists)
	}
	s.putWallet(w.Snapshot())
	return nil
}

func (s *Store) GetWallet(_ context.Context, walletID id.WalletID) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.wallets[walletID.String()]; ok {
		return w.Snapshot(), nil
	}
	return nil, wallet.ErrNotFound
}

func (s *Store) GetWalletByAccount(_ context.Context, accountID string) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if wid, ok := s.byAccount[accountID]; ok {
		return s.wallets[wid].Snapshot(), nil
	}
	return nil, wallet.ErrNotFound
}

func (s *Store) EnsureWallet(_ context.Context, accountID string) (*wallet.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wid, ok := s.byAccount[accountID]; ok {
		return s.wallets[wid].Snapshot(), false, nil
	}
	w := wallet.New(accountID)
	s.putWallet(w)
	return w.Snapshot(), true, nil
}

func (s *Store) putWallet(w *wallet.Wallet) {
	s.wallets[w.ID.String()] = w
	s.byAccount[w.AccountID] = w.ID.String()
}

// ==================== Transaction Store ====================

func (s *Store) GetTransaction(_ context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.transactions[txnID.String()]; ok {
		return t.Snapshot(), nil
	}
	return nil, transaction.ErrNotFound
}

func (s *Store) ListTransactions(_ context.Context, walletID id.WalletID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*transaction.Transaction, 0)
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		t := s.transactions[s.txnOrder[i]]
		if t.WalletID.String() != walletID.String() {
			continue
		}
		if opts.Kind != "" && t.Kind != opts.Kind {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		result = append(result, t.Snapshot())
	}
	return store.Page(result, opts.Limit, opts.Offset), nil
}

func (s *Store) ListStaleReservations(_ context.Context, before time.Time, limit, offset int) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*transaction.Transaction, 0)
	for _, key := range s.txnOrder {
		t := s.transactions[key]
		if t.IsPending() && t.CreatedAt.Before(before) {
			result = append(result, t.Snapshot())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return store.Page(result, limit, offset), nil
}

// ==================== Atomic balance operations ====================

func (s *Store) ReserveCredits(_ context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.wallets[txn.WalletID.String()]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	if _, exists := s.transactions[txn.ID.String()]; exists {
		return nil, fmt.Errorf("memory: transaction %s already exists", txn.ID)
	}

	w := cur.Snapshot()
	if err := store.ApplyReserve(w, txn); err != nil {
		return nil, err
	}
	s.putWallet(w)
	s.putTransaction(txn.Snapshot())
	return w.Snapshot(), nil
}

func (s *Store) ConfirmReservation(_ context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, txn, err := s.lockedPair(txnID)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyConfirm(w, txn); err != nil {
		return nil, nil, err
	}
	s.putWallet(w)
	s.transactions[txn.ID.String()] = txn
	return w.Snapshot(), txn.Snapshot(), nil
}

func (s *Store) RefundReservation(_ context.Context, txnID id.TransactionID, reason string) (*wallet.Wallet, *transaction.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, txn, err := s.lockedPair(txnID)
	if err != nil {
		return nil, nil, false, err
	}
	clamped, err := store.ApplyRefund(w, txn, reason)
	if err != nil {
		return nil, nil, false, err
	}
	s.putWallet(w)
	s.transactions[txn.ID.String()] = txn
	return w.Snapshot(), txn.Snapshot(), clamped, nil
}

func (s *Store) DepositCredits(_ context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.wallets[txn.WalletID.String()]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	w := cur.Snapshot()
	if err := store.ApplyDeposit(w, txn); err != nil {
		return nil, err
	}
	s.putWallet(w)
	s.putTransaction(txn.Snapshot())
	return w.Snapshot(), nil
}

// lockedPair returns working copies of a transaction and its wallet. The
// caller must hold the write lock.
func (s *Store) lockedPair(txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	t, ok := s.transactions[txnID.String()]
	if !ok {
		return nil, nil, transaction.ErrNotFound
	}
	w, ok := s.wallets[t.WalletID.String()]
	if !ok {
		return nil, nil, wallet.ErrNotFound
	}
	return w.Snapshot(), t.Snapshot(), nil
}

func (s *Store) putTransaction(t *transaction.Transaction) {
	s.transactions[t.ID.String()] = t
	s.txnOrder = append(s.txnOrder, t.ID.String())
}

// ==================== Task Store ====================

func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID.String()]; exists {
		return fmt.Errorf("memory: task %s already exists", t.ID)
	}
	c := *t
	s.tasks[t.ID.String()] = &c
	s.taskOrder = append(s.taskOrder, t.ID.String())
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tasks[taskID.String()]; ok {
		c := *t
		return &c, nil
	}
	return nil, task.ErrNotFound
}

func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID.String()]; !exists {
		return task.ErrNotFound
	}
	c := *t
	s.tasks[t.ID.String()] = &c
	return nil
}

func (s *Store) ListTasks(_ context.Context, accountID string, opts task.ListOpts) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*task.Task, 0)
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		t := s.tasks[s.taskOrder[i]]
		if t.AccountID != accountID {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		c := *t
		result = append(result, &c)
	}
	return store.Page(result, opts.Limit, opts.Offset), nil
}

// ==================== Pricing Store ====================

func (s *Store) GetActiveAgent(_ context.Context, agentKey string) (*pricing.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.agents[agentKey]; ok && a.Active {
		c := *a
		return &c, nil
	}
	return nil, pricing.ErrAgentNotFound
}

func (s *Store) GetActiveActionCost(_ context.Context, agentKey, actionKey string) (*pricing.ActionCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.actionCosts[costKey(agentKey, actionKey)]; ok && c.Active {
		cp := *c
		return &cp, nil
	}
	return nil, pricing.ErrActionCostNotFound
}

func (s *Store) SaveAgent(_ context.Context, a *pricing.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *a
	if existing, ok := s.agents[a.Key]; ok {
		c.CreatedAt = existing.CreatedAt
		c.Touch()
	} else if c.CreatedAt.IsZero() {
		c.Entity = types.NewEntity()
	}
	s.agents[a.Key] = &c
	return nil
}

func (s *Store) SaveActionCost(_ context.Context, ac *pricing.ActionCost) error {
	if err := ac.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ac
	key := costKey(ac.AgentKey, ac.ActionKey)
	if existing, ok := s.actionCosts[key]; ok {
		c.CreatedAt = existing.CreatedAt
		c.Touch()
	} else if c.CreatedAt.IsZero() {
		c.Entity = types.NewEntity()
	}
	s.actionCosts[key] = &c
	return nil
}

func costKey(agentKey, actionKey string) string {
	return agentKey + "\x00" + actionKey
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
