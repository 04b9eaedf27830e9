// Package sweep releases reservations that were never settled, for example
// because the process died between reserve and confirm. It runs on a cron
// schedule and force-refunds every reservation still pending after a TTL.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/credits"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
)

// Defaults.
const (
	DefaultSchedule  = "@every 1m"
	DefaultTTL       = 15 * time.Minute
	DefaultBatchSize = 100
)

// Engine is the part of the ledger the sweeper drives.
type Engine interface {
	StaleReservations(ctx context.Context, cutoff time.Time, limit, offset int) ([]*transaction.Transaction, error)
	ExpireReservation(ctx context.Context, txnID id.TransactionID) error
}

var _ Engine = (*credits.Ledger)(nil)

// Config holds the sweeper settings. Zero values take the defaults.
type Config struct {
	Schedule  string        // cron expression or descriptor
	TTL       time.Duration // age after which a pending reservation is stale
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Report summarizes one run.
type Report struct {
	Scanned int
	Expired int
	Failed  int
}

// Sweeper periodically expires stale reservations.
type Sweeper struct {
	engine    Engine
	schedule  string
	ttl       time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex // serializes runs
	cron    *cronlib.Cron
	running bool
}

// New creates a Sweeper. It fails if the schedule does not parse.
func New(engine Engine, cfg Config) (*Sweeper, error) {
	s := &Sweeper{
		engine:    engine,
		schedule:  cfg.Schedule,
		ttl:       cfg.TTL,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	if _, err := cronlib.ParseStandard(s.schedule); err != nil {
		return nil, fmt.Errorf("sweep: invalid schedule %q: %w", s.schedule, err)
	}
	return s, nil
}

// Start schedules the sweep. Runs use ctx, so cancelling it aborts an
// in-flight sweep; call Stop to unschedule.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cronlib.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep: run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", s.schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("reservation sweep started",
		"schedule", s.schedule,
		"ttl", s.ttl,
		"batch_size", s.batchSize,
	)
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("reservation sweep stopped")
}

// RunOnce expires every reservation that has been pending longer than the
// TTL, a batch at a time. A run already in progress makes it return an empty
// report.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var report Report
	cutoff := s.now().Add(-s.ttl)
	seen := make(map[string]bool)

	for {
		// Expired rows leave the result set. Failed ones stay pending at its
		// head, so skip past them.
		batch, err := s.engine.StaleReservations(ctx, cutoff, s.batchSize, report.Failed)
		if err != nil {
			return report, fmt.Errorf("sweep: list stale reservations: %w", err)
		}

		progressed := false
		for _, txn := range batch {
			if seen[txn.ID.String()] {
				continue
			}
			seen[txn.ID.String()] = true
			progressed = true
			report.Scanned++

			if err := s.engine.ExpireReservation(ctx, txn.ID); err != nil {
				report.Failed++
				s.logger.Error("sweep: expire reservation failed",
					"transaction_id", txn.ID.String(),
					"error", err,
				)
				continue
			}
			report.Expired++
		}

		if !progressed || len(batch) < s.batchSize || ctx.Err() != nil {
			break
		}
	}

	if report.Scanned > 0 {
		s.logger.Info("sweep: finished",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"failed", report.Failed,
		)
	}
	return report, ctx.Err()
}
