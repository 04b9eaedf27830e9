// Package mongo implements store.Store on MongoDB with the official v2
// driver. Balance operations run in multi-document transactions, so the
// server must be a replica set (a single-node set is enough).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Collection name constants.
const (
	colWallets      = "credits_wallets"
	colTransactions = "credits_transactions"
	colTasks        = "credits_tasks"
	colAgents       = "credits_agents"
	colActionCosts  = "credits_action_costs"
)

// DefaultDatabase is used when New is given an empty database name.
const DefaultDatabase = "credits"

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
	owned  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New connects to uri and uses the named database. The returned store owns
// the client and disconnects it on Close.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("credits/mongo: ping: %w", err)
	}
	if database == "" {
		database = DefaultDatabase
	}
	s := NewFromClient(client, database, opts...)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves the client connected.
func NewFromClient(client *mongo.Client, database string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all credits collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
	}
	s.logger.Info("mongo indexes ensured", "database", s.db.Name())
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// inTx runs fn inside a session transaction. The driver retries fn on
// transient transaction errors such as write conflicts.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("credits/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return err
}

// ==================== Wallet Store ====================

func (s *Store) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	_, err := s.col(colWallets).InsertOne(ctx, toWalletModel(w))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("account %s: %w", w.AccountID, wallet.ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetWallet(ctx context.Context, walletID id.WalletID) (*wallet.Wallet, error) {
	return s.findWallet(ctx, bson.M{"_id": walletID.String()})
}

func (s *Store) GetWalletByAccount(ctx context.Context, accountID string) (*wallet.Wallet, error) {
	return s.findWallet(ctx, bson.M{"account_id": accountID})
}

func (s *Store) EnsureWallet(ctx context.Context, accountID string) (*wallet.Wallet, bool, error) {
	w := wallet.New(accountID)
	res, err := s.col(colWallets).UpdateOne(ctx,
		bson.M{"account_id": accountID},
		bson.M{"$setOnInsert": toWalletModel(w)},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent upsert for the same account won the unique index.
		err = nil
		res = &mongo.UpdateResult{}
	}
	if err != nil {
		return nil, false, err
	}
	if res.UpsertedCount == 1 {
		return w, true, nil
	}

	existing, err := s.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) findWallet(ctx context.Context, filter bson.M) (*wallet.Wallet, error) {
	var m walletModel
	err := s.col(colWallets).FindOne(ctx, filter).Decode(&m)
	if isNoDocuments(err) {
		return nil, wallet.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromWalletModel(&m)
}

// saveWallet writes the new balances only if the stored ones still match
// prev, so an interleaved writer surfaces as a conflict instead of a lost
// update.
func (s *Store) saveWallet(ctx context.Context, prev, w *wallet.Wallet) error {
	res, err := s.col(colWallets).UpdateOne(ctx,
		bson.M{
			"_id":              w.ID.String(),
			"total_credits":    int64(prev.Total),
			"reserved_credits": int64(prev.Reserved),
		},
		bson.M{"$set": bson.M{
			"total_credits":    int64(w.Total),
			"reserved_credits": int64(w.Reserved),
			"updated_at":       w.UpdatedAt,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("wallet %s changed concurrently: %w", w.ID, store.ErrConflict)
	}
	return nil
}

// ==================== Transaction Store ====================

func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error) {
	var m transactionModel
	err := s.col(colTransactions).FindOne(ctx, bson.M{"_id": txnID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromTransactionModel(&m)
}

func (s *Store) ListTransactions(ctx context.Context, walletID id.WalletID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	filter := bson.M{"wallet_id": walletID.String()}
	if opts.Kind != "" {
		filter["type"] = string(opts.Kind)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	page(findOpts, opts.Limit, opts.Offset)
	return s.findTransactions(ctx, filter, findOpts)
}

func (s *Store) ListStaleReservations(ctx context.Context, before time.Time, limit, offset int) ([]*transaction.Transaction, error) {
	filter := bson.M{
		"type":       string(transaction.KindReserve),
		"status":     string(transaction.StatusPending),
		"created_at": bson.M{"$lt": before},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	page(findOpts, limit, offset)
	return s.findTransactions(ctx, filter, findOpts)
}

func (s *Store) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*transaction.Transaction, error) {
	cursor, err := s.col(colTransactions).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var models []transactionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}

	out := make([]*transaction.Transaction, 0, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// settleTransaction writes the settled state of a reservation, guarded on it
// still being pending.
func (s *Store) settleTransaction(ctx context.Context, t *transaction.Transaction) error {
	res, err := s.col(colTransactions).UpdateOne(ctx,
		bson.M{
			"_id":    t.ID.String(),
			"type":   string(transaction.KindReserve),
			"status": string(transaction.StatusPending),
		},
		bson.M{"$set": bson.M{
			"type":       string(t.Kind),
			"status":     string(t.Status),
			"metadata":   toTransactionModel(t).Metadata,
			"updated_at": t.UpdatedAt,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("reservation %s: %w", t.ID, transaction.ErrReservationNotPending)
	}
	return nil
}

// ==================== Atomic balance operations ====================

func (s *Store) ReserveCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := s.inTx(ctx, func(ctx context.Context) error {
		w, err := s.GetWallet(ctx, txn.WalletID)
		if err != nil {
			return err
		}
		prev := w.Snapshot()
		if err := store.ApplyReserve(w, txn); err != nil {
			return err
		}
		if err := s.saveWallet(ctx, prev, w); err != nil {
			return err
		}
		if _, err := s.col(colTransactions).InsertOne(ctx, toTransactionModel(txn)); err != nil {
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
	err := s.inTx(ctx, func(ctx context.Context) error {
		w, txn, err := s.loadPair(ctx, txnID)
		if err != nil {
			return err
		}
		prev := w.Snapshot()
		if err := store.ApplyConfirm(w, txn); err != nil {
			return err
		}
		if err := s.saveWallet(ctx, prev, w); err != nil {
			return err
		}
		if err := s.settleTransaction(ctx, txn); err != nil {
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
	err := s.inTx(ctx, func(ctx context.Context) error {
		w, txn, err := s.loadPair(ctx, txnID)
		if err != nil {
			return err
		}
		prev := w.Snapshot()
		c, err := store.ApplyRefund(w, txn, reason)
		if err != nil {
			return err
		}
		if err := s.saveWallet(ctx, prev, w); err != nil {
			return err
		}
		if err := s.settleTransaction(ctx, txn); err != nil {
			return err
		}
		outW, outTxn, clamped = w, txn, c
		return nil
	})
	return outW, outTxn, clamped, err
}

func (s *Store) DepositCredits(ctx context.Context, txn *transaction.Transaction) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := s.inTx(ctx, func(ctx context.Context) error {
		w, err := s.GetWallet(ctx, txn.WalletID)
		if err != nil {
			return err
		}
		prev := w.Snapshot()
		if err := store.ApplyDeposit(w, txn); err != nil {
			return err
		}
		if err := s.saveWallet(ctx, prev, w); err != nil {
			return err
		}
		if _, err := s.col(colTransactions).InsertOne(ctx, toTransactionModel(txn)); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (s *Store) loadPair(ctx context.Context, txnID id.TransactionID) (*wallet.Wallet, *transaction.Transaction, error) {
	txn, err := s.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, nil, err
	}
	w, err := s.GetWallet(ctx, txn.WalletID)
	if err != nil {
		return nil, nil, err
	}
	return w, txn, nil
}

// ==================== Task Store ====================

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.col(colTasks).InsertOne(ctx, toTaskModel(t))
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	var m taskModel
	err := s.col(colTasks).FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromTaskModel(&m)
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	m := toTaskModel(t)
	res, err := s.col(colTasks).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{
			"status":          m.Status,
			"result":          m.Result,
			"failed_reason":   m.FailedReason,
			"reserved_amount": m.ReservedAmount,
			"updated_at":      m.UpdatedAt,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, accountID string, opts task.ListOpts) ([]*task.Task, error) {
	filter := bson.M{"account_id": accountID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	page(findOpts, opts.Limit, opts.Offset)

	cursor, err := s.col(colTasks).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	var models []taskModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(models))
	for i := range models {
		t, err := fromTaskModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ==================== Pricing Store ====================

func (s *Store) GetActiveAgent(ctx context.Context, agentKey string) (*pricing.Agent, error) {
	var m agentModel
	err := s.col(colAgents).FindOne(ctx, bson.M{"_id": agentKey, "is_active": true}).Decode(&m)
	if isNoDocuments(err) {
		return nil, pricing.ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromAgentModel(&m), nil
}

func (s *Store) GetActiveActionCost(ctx context.Context, agentKey, actionKey string) (*pricing.ActionCost, error) {
	var m actionCostModel
	err := s.col(colActionCosts).FindOne(ctx, bson.M{
		"agent_key":  agentKey,
		"action_key": actionKey,
		"is_active":  true,
	}).Decode(&m)
	if isNoDocuments(err) {
		return nil, pricing.ErrActionCostNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromActionCostModel(&m), nil
}

func (s *Store) SaveAgent(ctx context.Context, a *pricing.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	e := stamp(a.Entity)
	_, err := s.col(colAgents).UpdateOne(ctx,
		bson.M{"_id": a.Key},
		bson.M{
			"$set": bson.M{
				"label":       a.Label,
				"description": a.Description,
				"is_active":   a.Active,
				"updated_at":  e.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": e.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) SaveActionCost(ctx context.Context, c *pricing.ActionCost) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e := stamp(c.Entity)
	_, err := s.col(colActionCosts).UpdateOne(ctx,
		bson.M{"agent_key": c.AgentKey, "action_key": c.ActionKey},
		bson.M{
			"$set": bson.M{
				"label":      c.Label,
				"cost":       int64(c.Cost),
				"is_active":  c.Active,
				"updated_at": e.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": e.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// ==================== Helpers ====================

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func stamp(e types.Entity) types.Entity {
	if e.CreatedAt.IsZero() {
		return types.NewEntity()
	}
	e.Touch()
	return e
}

func page(opts *options.FindOptionsBuilder, limit, offset int) {
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
}

// migrationIndexes returns the index definitions for all credits collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colWallets: {
			{
				Keys:    bson.D{{Key: "account_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "wallet_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		colTasks: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colActionCosts: {
			{
				Keys:    bson.D{{Key: "agent_key", Value: 1}, {Key: "action_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
