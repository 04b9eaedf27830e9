// Package extension provides the Forge extension adapter for the credit
// ledger.
//
// It implements the forge.Extension interface to register the Ledger and
// its cost resolver in the DI container, run migrations on start and
// schedule the stale reservation sweep.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/guard"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/sweep"
	"github.com/xraph/credits/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Credit reservation ledger for billable agent actions"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	ledger     *credits.Ledger
	resolver   *pricing.Resolver
	sweeper    *sweep.Sweeper
	store      store.Store
	ledgerOpts []credits.Option

	cancelSweep context.CancelFunc
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the underlying Ledger. It is nil until Register is called.
func (e *Extension) Ledger() *credits.Ledger { return e.ledger }

// Resolver returns the cost resolver. It is nil until Register is called.
func (e *Extension) Resolver() *pricing.Resolver { return e.resolver }

// Guard creates a billing guard for agent bound to this extension's ledger
// and resolver.
func (e *Extension) Guard(agent string, opts ...guard.Option) (*guard.Guard, error) {
	if e.ledger == nil {
		return nil, errors.New("credits: extension not initialized")
	}
	return guard.New(agent, e.ledger, e.resolver, opts...), nil
}

// Register implements [forge.Extension]. It loads configuration, builds
// the ledger and resolver and registers both in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	defaultCost, err := types.ParseCredits(e.config.DefaultCost)
	if err != nil || defaultCost.IsNegative() {
		return fmt.Errorf("credits: invalid default_cost %q", e.config.DefaultCost)
	}

	e.ledger = credits.New(e.store, e.buildLedgerOpts()...)
	e.resolver = pricing.NewResolver(e.store,
		pricing.WithDefaultCost(defaultCost),
		pricing.WithPlugins(e.ledger.Plugins()),
		pricing.WithLogger(e.ledger.Logger()),
	)

	if !e.config.DisableSweep {
		e.sweeper, err = sweep.New(e.ledger, sweep.Config{
			Schedule:  e.config.SweepSchedule,
			TTL:       e.config.SweepTTL,
			BatchSize: e.config.SweepBatchSize,
			Logger:    e.ledger.Logger(),
		})
		if err != nil {
			return err
		}
	}

	if err := vessel.Provide(fapp.Container(), func() (*credits.Ledger, error) {
		return e.ledger, nil
	}); err != nil {
		return err
	}
	return vessel.Provide(fapp.Container(), func() (*pricing.Resolver, error) {
		return e.resolver, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.ledger == nil {
		return errors.New("credits: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.ledger.Start(ctx); err != nil {
			return err
		}
	}

	if e.sweeper != nil {
		// The sweep outlives the start context.
		sweepCtx, cancel := context.WithCancel(context.Background())
		if err := e.sweeper.Start(sweepCtx); err != nil {
			cancel()
			return err
		}
		e.cancelSweep = cancel
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	if e.cancelSweep != nil {
		e.cancelSweep()
		e.cancelSweep = nil
	}
	if e.ledger != nil {
		if err := e.ledger.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildLedgerOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() []credits.Option {
	opts := make([]credits.Option, 0, len(e.ledgerOpts)+1)
	if e.config.HookTimeout > 0 {
		opts = append(opts, credits.WithHookTimeout(e.config.HookTimeout))
	}
	// Pass-through options go last so they win.
	return append(opts, e.ledgerOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_sweep", e.config.DisableSweep),
		forge.F("sweep_schedule", e.config.SweepSchedule),
		forge.F("sweep_ttl", e.config.SweepTTL),
		forge.F("default_cost", e.config.DefaultCost),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.credits", "credits"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("credits: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("credits: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaults.SweepSchedule
	}
	if cfg.SweepTTL == 0 {
		cfg.SweepTTL = defaults.SweepTTL
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if cfg.DefaultCost == "" {
		cfg.DefaultCost = defaults.DefaultCost
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = defaults.HookTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableSweep {
		yamlConfig.DisableSweep = true
	}

	if yamlConfig.SweepSchedule == "" {
		yamlConfig.SweepSchedule = programmaticConfig.SweepSchedule
	}
	if yamlConfig.SweepTTL == 0 {
		yamlConfig.SweepTTL = programmaticConfig.SweepTTL
	}
	if yamlConfig.SweepBatchSize == 0 {
		yamlConfig.SweepBatchSize = programmaticConfig.SweepBatchSize
	}
	if yamlConfig.DefaultCost == "" {
		yamlConfig.DefaultCost = programmaticConfig.DefaultCost
	}
	if yamlConfig.HookTimeout == 0 {
		yamlConfig.HookTimeout = programmaticConfig.HookTimeout
	}

	return mergeWithDefaults(yamlConfig)
}
