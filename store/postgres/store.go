// Package postgres implements store.Store on PostgreSQL through a pgx
// connection pool. Balance operations run in one database transaction that
// locks the wallet row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Retry defaults for conflicting storage transactions.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 10 * time.Millisecond
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRetry sets how often a conflicting transaction is retried and the
// initial backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *Store) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.retryDelay = baseDelay
		}
	}
}

// New connects a pool to dsn and pings it.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}

	return NewFromPool(pool, opts...), nil
}

// NewFromPool wraps an existing pool. Close closes the pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying connection pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, retrying serialization and deadlock
// failures. Conflicts that outlast the retries surface as store.ErrConflict.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := withRetry(ctx, s.maxRetries, s.retryDelay, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("credits/postgres: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if isRetriable(err) {
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return err
}

// ==================== Wallet Store ====================

func (s *Store) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	if err := insertWallet(ctx, s.pool, w); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", w.AccountID, wallet.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, walletID id.WalletID) (*wallet.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM credits_wallets WHERE id = $1`, walletID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}
	return w, err
}

func (s *Store) GetWalletByAccount(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM credits_wallets WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}
	return w, err
}

func (s *Store) EnsureWallet(ctx context.Context, accountID string) (*wallet.Wallet, bool, error) {
	w := wallet.New(accountID)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO credits_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO NOTHING`,
		w.ID.String(), w.AccountID, int64(w.Total), int64(w.Reserved), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return w, true, nil
	}

	existing, err := s.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ==================== Transaction Store ====================

func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE id = $1`, txnID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTransactions(ctx context.Context, walletID id.WalletID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var q query
	q.where("wallet_id = ?", walletID.String())
	if opts.Kind != "" {
		q.where("type = ?", string(opts.Kind))
	}
	if opts.Status != "" {
		q.where("status = ?", string(opts.Status))
	}

	sql := `SELECT ` + transactionColumns + ` FROM credits_transactions` + q.clause() +
		` ORDER BY created_at DESC, id DESC` + q.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *Store) ListStaleReservations(ctx context.Context, before time.Time, limit, offset int) ([]*transaction.Transaction, error) {
	var q query
	q.where("type = ?", string(transaction.KindReserve))
	q.where("status = ?", string(transaction.StatusPending))
	q.where("created_at < ?", before)

	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions`+q.clause()+
			` ORDER BY created_at ASC, id ASC`+q.page(limit, offset),
		q.args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ==================== Atomic balance operations ====================

func (s *Store) ReserveCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWallet(ctx, tx, txn.WalletID)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, txn, err := lockPair(ctx, tx, txnID)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, txn, err := lockPair(ctx, tx, txnID)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWallet(ctx, tx, txn.WalletID)
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

// lockPair locks a transaction row, then its wallet row. Every settlement
// locks in this order.
func lockPair(ctx context.Context, tx pgx.Tx, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	txn, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE id = $1 FOR UPDATE`, txnID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	w, err := lockWallet(ctx, tx, txn.WalletID)
	if err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID id.WalletID) (*wallet.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM credits_wallets WHERE id = $1 FOR UPDATE`, walletID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wallet.ErrNotFound
	}
	return w, err
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertWallet(ctx context.Context, db execer, w *wallet.Wallet) error {
	_, err := db.Exec(ctx, `INSERT INTO credits_wallets (`+walletColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID.String(), w.AccountID, int64(w.Total), int64(w.Reserved), w.CreatedAt, w.UpdatedAt)
	return err
}

func updateWallet(ctx context.Context, db execer, w *wallet.Wallet) error {
	_, err := db.Exec(ctx, `
		UPDATE credits_wallets
		SET total_credits = $2, reserved_credits = $3, updated_at = $4
		WHERE id = $1`,
		w.ID.String(), int64(w.Total), int64(w.Reserved), w.UpdatedAt)
	return err
}

func insertTransaction(ctx context.Context, db execer, t *transaction.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("transaction %s metadata: %w", t.ID, err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO credits_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID.String(), t.WalletID.String(), int64(t.Amount), string(t.Kind), string(t.Status),
		nullableID(t.TaskID), t.Agent, meta, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func updateTransaction(ctx context.Context, db execer, t *transaction.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("transaction %s metadata: %w", t.ID, err)
	}
	_, err = db.Exec(ctx, `
		UPDATE credits_transactions
		SET type = $2, status = $3, metadata = $4, updated_at = $5
		WHERE id = $1`,
		t.ID.String(), string(t.Kind), string(t.Status), meta, t.UpdatedAt,
	)
	return err
}

// ==================== Task Store ====================

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	result, err := marshalResult(t.Result)
	if err != nil {
		return fmt.Errorf("task %s result: %w", t.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credits_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID.String(), t.AccountID, t.Agent, t.TaskType, int64(t.ReservedAmount), string(t.Status),
		result, t.FailedReason, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM credits_tasks WHERE id = $1`, taskID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	result, err := marshalResult(t.Result)
	if err != nil {
		return fmt.Errorf("task %s result: %w", t.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE credits_tasks
		SET status = $2, result = $3, failed_reason = $4, reserved_amount = $5, updated_at = $6
		WHERE id = $1`,
		t.ID.String(), string(t.Status), result, t.FailedReason, int64(t.ReservedAmount), t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, accountID string, opts task.ListOpts) ([]*task.Task, error) {
	var q query
	q.where("account_id = ?", accountID)
	if opts.Status != "" {
		q.where("status = ?", string(opts.Status))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM credits_tasks`+q.clause()+
			` ORDER BY created_at DESC, id DESC`+q.page(opts.Limit, opts.Offset),
		q.args...)
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

// ==================== Pricing Store ====================

func (s *Store) GetActiveAgent(ctx context.Context, agentKey string) (*pricing.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM credits_agents WHERE key = $1 AND is_active`, agentKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pricing.ErrAgentNotFound
	}
	return a, err
}

func (s *Store) GetActiveActionCost(ctx context.Context, agentKey, actionKey string) (*pricing.ActionCost, error) {
	c, err := scanActionCost(s.pool.QueryRow(ctx,
		`SELECT `+actionCostColumns+` FROM credits_action_costs
		 WHERE agent_key = $1 AND action_key = $2 AND is_active`, agentKey, actionKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pricing.ErrActionCostNotFound
	}
	return c, err
}

func (s *Store) SaveAgent(ctx context.Context, a *pricing.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	e := stamp(a.Entity)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credits_agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			label = EXCLUDED.label,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		a.Key, a.Label, a.Description, a.Active, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (s *Store) SaveActionCost(ctx context.Context, c *pricing.ActionCost) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e := stamp(c.Entity)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credits_action_costs (`+actionCostColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_key, action_key) DO UPDATE SET
			label = EXCLUDED.label,
			cost = EXCLUDED.cost,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		c.AgentKey, c.ActionKey, c.Label, int64(c.Cost), c.Active, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// ==================== Helpers ====================

// stamp fills missing timestamps and bumps UpdatedAt.
func stamp(e types.Entity) types.Entity {
	if e.CreatedAt.IsZero() {
		return types.NewEntity()
	}
	e.Touch()
	return e
}

// query accumulates WHERE conditions written with ? placeholders and numbers
// them for Postgres.
type query struct {
	conds []string
	args  []any
}

func (q *query) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.conds = append(q.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(q.args)), 1))
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// page returns LIMIT/OFFSET clauses. Values are ints, so they are inlined.
func (q *query) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}
