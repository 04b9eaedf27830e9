package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	credits "github.com/xraph/credits"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/config"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/sqlite"
)

// app is the wiring every command shares.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	ledger   *credits.Ledger
	resolver *pricing.Resolver
}

// setup loads configuration, opens the store and builds the ledger. extra,
// when set, adds ledger options derived from the loaded config. Callers must
// close the returned app.
func setup(ctx context.Context, out io.Writer, extra func(config.Config) []credits.Option) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg, out)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ledgerOpts := []credits.Option{
		credits.WithLogger(logger),
		credits.WithHookTimeout(cfg.HookTimeout),
	}
	if cfg.Audit.Enabled {
		ledgerOpts = append(ledgerOpts, credits.WithPlugin(audithook.New(
			slogRecorder(logger),
			audithook.WithLogger(logger),
			audithook.WithDisabledActions(cfg.Audit.Disabled...),
		)))
	}
	if extra != nil {
		ledgerOpts = append(ledgerOpts, extra(cfg)...)
	}

	l := credits.New(s, ledgerOpts...)

	defaultCost, err := cfg.DefaultCost()
	if err != nil {
		_ = s.Close() //nolint:errcheck // already failing
		return nil, err
	}
	resolver := pricing.NewResolver(s,
		pricing.WithDefaultCost(defaultCost),
		pricing.WithPlugins(l.Plugins()),
		pricing.WithLogger(logger),
	)

	return &app{cfg: cfg, logger: logger, store: s, ledger: l, resolver: resolver}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// seedPricing writes the configured pricing entries.
func (a *app) seedPricing(ctx context.Context) error {
	for _, p := range a.cfg.Pricing.Seed {
		cost, err := p.Credits()
		if err != nil {
			return err
		}
		if err := pricing.Seed(ctx, a.store, p.Agent, p.Action, p.Label, cost); err != nil {
			return err
		}
	}
	if n := len(a.cfg.Pricing.Seed); n > 0 {
		a.logger.Info("pricing seeded", "rules", n)
	}
	return nil
}

func newLogger(cfg config.Config, out io.Writer) (*slog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, balances are lost on exit")
		return memory.New(), nil
	case config.DriverPostgres:
		s, err = postgres.New(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
	case config.DriverSQLite:
		s, err = sqlite.Open(cfg.Store.DSN, sqlite.WithLogger(logger))
	case config.DriverMongo:
		s, err = mongo.New(ctx, cfg.Store.DSN, cfg.Store.Database, mongo.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// slogRecorder writes audit events to the log.
func slogRecorder(logger *slog.Logger) audithook.Recorder {
	audit := logger.With("component", "audit")
	return audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		level := slog.LevelInfo
		if ev.Outcome == audithook.OutcomeFailure {
			level = slog.LevelWarn
		}
		audit.Log(ctx, level, ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"account_id", ev.AccountID,
			"category", ev.Category,
			"severity", ev.Severity,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	})
}
