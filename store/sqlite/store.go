// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. The pool holds a single connection,
// so storage transactions are serialized and each balance operation is
// atomic.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credits/sqlite: ping: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an open database. The caller should limit it to one open
// connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits/sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ==================== Column lists ====================

const (
	walletColumns      = `id, account_id, total_credits, reserved_credits, created_at, updated_at`
	transactionColumns = `id, wallet_id, amount, type, status, task_id, agent, metadata, created_at, updated_at`
	taskColumns        = `id, account_id, agent, task_type, reserved_amount, status, result, failed_reason, created_at, updated_at`
	agentColumns       = `key, label, description, is_active, created_at, updated_at`
	actionCostColumns  = `agent_key, action_key, label, cost, is_active, created_at, updated_at`
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// ==================== Wallet Store ====================

func (s *Store) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	if _, err := s.GetWalletByAccount(ctx, w.AccountID); err == nil {
		return fmt.Errorf("account %s: %w", w.AccountID, wallet.ErrAlreadyExists)
	}
	return insertWallet(ctx, s.db, w)
}

func (s *Store) GetWallet(ctx context.Context, walletID id.WalletID) (*wallet.Wallet, error) {
	return getWallet(ctx, s.db, `id = ?`, walletID.String())
}

func (s *Store) GetWalletByAccount(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	return getWallet(ctx, s.db, `account_id = ?`, accountID)
}

func (s *Store) EnsureWallet(ctx context.Context, accountID string) (*wallet.Wallet, bool, error) {
	w := wallet.New(accountID)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credits_wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING`,
		w.ID.String(), w.AccountID, int64(w.Total), int64(w.Reserved), toUnix(w.CreatedAt), toUnix(w.UpdatedAt),
	)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return w, true, nil
	}

	existing, err := s.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func getWallet(ctx context.Context, q querier, cond string, arg any) (*wallet.Wallet, error) {
	w, err := scanWallet(q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM credits_wallets WHERE `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}
	return w, err
}

func scanWallet(row scanner) (*wallet.Wallet, error) {
	var (
		w                wallet.Wallet
		rawID            string
		total, reserved  int64
		created, updated int64
	)
	if err := row.Scan(&rawID, &w.AccountID, &total, &reserved, &created, &updated); err != nil {
		return nil, err
	}
	walletID, err := id.ParseWalletID(rawID)
	if err != nil {
		return nil, err
	}
	w.ID = walletID
	w.Total = types.Credits(total)
	w.Reserved = types.Credits(reserved)
	w.CreatedAt, w.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &w, nil
}

func insertWallet(ctx context.Context, q querier, w *wallet.Wallet) error {
	_, err := q.ExecContext(ctx, `INSERT INTO credits_wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.AccountID, int64(w.Total), int64(w.Reserved), toUnix(w.CreatedAt), toUnix(w.UpdatedAt))
	return err
}

func updateWallet(ctx context.Context, q querier, w *wallet.Wallet) error {
	_, err := q.ExecContext(ctx,
		`UPDATE credits_wallets SET total_credits = ?, reserved_credits = ?, updated_at = ? WHERE id = ?`,
		int64(w.Total), int64(w.Reserved), toUnix(w.UpdatedAt), w.ID.String())
	return err
}

// ==================== Transaction Store ====================

func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	return getTransaction(ctx, s.db, txnID)
}

func (s *Store) ListTransactions(ctx context.Context, walletID id.WalletID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	conds := []string{"wallet_id = ?"}
	args := []any{walletID.String()}
	if opts.Kind != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY created_at DESC, id DESC`+page(opts.Limit, opts.Offset),
		args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *Store) ListStaleReservations(ctx context.Context, before time.Time, limit, offset int) ([]*transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions
		 WHERE type = ? AND status = ? AND created_at < ?
		 ORDER BY created_at ASC, id ASC`+page(limit, offset),
		string(transaction.KindReserve), string(transaction.StatusPending), toUnix(before))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func getTransaction(ctx context.Context, q querier, txnID id.TransactionID) (*transaction.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE id = ?`, txnID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	return t, err
}

func scanTransaction(row scanner) (*transaction.Transaction, error) {
	var (
		t                transaction.Transaction
		rawID, rawWallet string
		rawTask          sql.NullString
		amount           int64
		kind, status     string
		metadata         string
		created, updated int64
	)
	if err := row.Scan(&rawID, &rawWallet, &amount, &kind, &status, &rawTask, &t.Agent, &metadata,
		&created, &updated); err != nil {
		return nil, err
	}

	var err error
	if t.ID, err = id.ParseTransactionID(rawID); err != nil {
		return nil, err
	}
	if t.WalletID, err = id.ParseWalletID(rawWallet); err != nil {
		return nil, err
	}
	if rawTask.Valid && rawTask.String != "" {
		if t.TaskID, err = id.ParseTaskID(rawTask.String); err != nil {
			return nil, err
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %s metadata: %w", rawID, err)
		}
	}

	t.Amount = types.Credits(amount)
	t.Kind = transaction.Kind(kind)
	t.Status = transaction.Status(status)
	t.CreatedAt, t.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &t, nil
}

func collectTransactions(rows *sql.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()

	out := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, q querier, t *transaction.Transaction) error {
	meta, err := json.Marshal(nonNilMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("transaction %s metadata: %w", t.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO credits_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.WalletID.String(), int64(t.Amount), string(t.Kind), string(t.Status),
		nullableID(t.TaskID), t.Agent, string(meta), toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	return err
}

func updateTransaction(ctx context.Context, q querier, t *transaction.Transaction) error {
	meta, err := json.Marshal(nonNilMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("transaction %s metadata: %w", t.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`UPDATE credits_transactions SET type = ?, status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(t.Kind), string(t.Status), string(meta), toUnix(t.UpdatedAt), t.ID.String())
	return err
}

// ==================== Atomic balance operations ====================

func (s *Store) ReserveCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := getWallet(ctx, tx, `id = ?`, txn.WalletID.String())
		if err != nil {
			return err
		}
		if err := store.ApplyReserve(w, txn); err != nil {
			return err
		}
		if err := updateWallet(ctx, tx, w); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (s *Store) ConfirmReservation(ctx context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	var (
		outW   *wallet.Wallet
		outTxn *transaction.Transaction
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, txn, err := loadPair(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if err := store.ApplyConfirm(w, txn); err != nil {
			return err
		}
		if err := updateWallet(ctx, tx, w); err != nil {
			return err
		}
		if err := updateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		outW, outTxn = w, txn
		return nil
	})
	return outW, outTxn, err
}

func (s *Store) RefundReservation(ctx context.Context, txnID id.TransactionID, reason string) (*wallet.Wallet, *transaction.Transaction, bool, error) {
	var (
		outW    *wallet.Wallet
		outTxn  *transaction.Transaction
		clamped bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, txn, err := loadPair(ctx, tx, txnID)
		if err != nil {
			return err
		}
		c, err := store.ApplyRefund(w, txn, reason)
		if err != nil {
			return err
		}
		if err := updateWallet(ctx, tx, w); err != nil {
			return err
		}
		if err := updateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		outW, outTxn, clamped = w, txn, c
		return nil
	})
	return outW, outTxn, clamped, err
}

func (s *Store) DepositCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := getWallet(ctx, tx, `id = ?`, txn.WalletID.String())
		if err != nil {
			return err
		}
		if err := store.ApplyDeposit(w, txn); err != nil {
			return err
		}
		if err := updateWallet(ctx, tx, w); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func loadPair(ctx context.Context, tx *sql.Tx, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	txn, err := getTransaction(ctx, tx, txnID)
	if err != nil {
		return nil, nil, err
	}
	w, err := getWallet(ctx, tx, `id = ?`, txn.WalletID.String())
	if err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

// ==================== Task Store ====================

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	result, err := marshalResult(t.Result)
	if err != nil {
		return fmt.Errorf("task %s result: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credits_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.AccountID, t.Agent, t.TaskType, int64(t.ReservedAmount), string(t.Status),
		result, t.FailedReason, toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM credits_tasks WHERE id = ?`, taskID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	result, err := marshalResult(t.Result)
	if err != nil {
		return fmt.Errorf("task %s result: %w", t.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credits_tasks
		SET status = ?, result = ?, failed_reason = ?, reserved_amount = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), result, t.FailedReason, int64(t.ReservedAmount), toUnix(t.UpdatedAt), t.ID.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, accountID string, opts task.ListOpts) ([]*task.Task, error) {
	conds := []string{"account_id = ?"}
	args := []any{accountID}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM credits_tasks WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY created_at DESC, id DESC`+page(opts.Limit, opts.Offset),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                task.Task
		rawID            string
		reserved         int64
		status           string
		result           sql.NullString
		created, updated int64
	)
	if err := row.Scan(&rawID, &t.AccountID, &t.Agent, &t.TaskType, &reserved, &status, &result,
		&t.FailedReason, &created, &updated); err != nil {
		return nil, err
	}

	taskID, err := id.ParseTaskID(rawID)
	if err != nil {
		return nil, err
	}
	t.ID = taskID
	t.ReservedAmount = types.Credits(reserved)
	t.Status = task.Status(status)
	t.CreatedAt, t.UpdatedAt = fromUnix(created), fromUnix(updated)
	if result.Valid && result.String != "" && result.String != "null" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("task %s result: %w", rawID, err)
		}
	}
	return &t, nil
}

// ==================== Pricing Store ====================

func (s *Store) GetActiveAgent(ctx context.Context, agentKey string) (*pricing.Agent, error) {
	var (
		a                pricing.Agent
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM credits_agents WHERE key = ? AND is_active = 1`, agentKey,
	).Scan(&a.Key, &a.Label, &a.Description, &a.Active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pricing.ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &a, nil
}

func (s *Store) GetActiveActionCost(ctx context.Context, agentKey, actionKey string) (*pricing.ActionCost, error) {
	var (
		c                pricing.ActionCost
		cost             int64
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+actionCostColumns+` FROM credits_action_costs
		 WHERE agent_key = ? AND action_key = ? AND is_active = 1`, agentKey, actionKey,
	).Scan(&c.AgentKey, &c.ActionKey, &c.Label, &cost, &c.Active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pricing.ErrActionCostNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Cost = types.Credits(cost)
	c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &c, nil
}

func (s *Store) SaveAgent(ctx context.Context, a *pricing.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	e := stamp(a.Entity)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credits_agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			label = excluded.label,
			description = excluded.description,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		a.Key, a.Label, a.Description, a.Active, toUnix(e.CreatedAt), toUnix(e.UpdatedAt),
	)
	return err
}

func (s *Store) SaveActionCost(ctx context.Context, c *pricing.ActionCost) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e := stamp(c.Entity)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credits_action_costs (`+actionCostColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_key, action_key) DO UPDATE SET
			label = excluded.label,
			cost = excluded.cost,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		c.AgentKey, c.ActionKey, c.Label, int64(c.Cost), c.Active, toUnix(e.CreatedAt), toUnix(e.UpdatedAt),
	)
	return err
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// Timestamps are stored as Unix nanoseconds so they sort numerically.
func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func stamp(e types.Entity) types.Entity {
	if e.CreatedAt.IsZero() {
		return types.NewEntity()
	}
	e.Touch()
	return e
}

func nullableID(i id.ID) sql.NullString {
	if i.IsNil() {
		return sql.NullString{}
	}
	return sql.NullString{String: i.String(), Valid: true}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func marshalResult(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func page(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		// SQLite requires a LIMIT before OFFSET; -1 means no limit.
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}
