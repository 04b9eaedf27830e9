package extension

import (
	"time"

	"github.com/xraph/credits/sweep"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableSweep prevents the stale reservation sweep from being scheduled.
	DisableSweep bool `json:"disable_sweep" mapstructure:"disable_sweep" yaml:"disable_sweep"`

	// SweepSchedule is a cron expression or descriptor (default: "@every 1m").
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule" yaml:"sweep_schedule"`

	// SweepTTL is how long a reservation may stay pending before the sweep
	// refunds it (default: 15m).
	SweepTTL time.Duration `json:"sweep_ttl" mapstructure:"sweep_ttl" yaml:"sweep_ttl"`

	// SweepBatchSize caps how many reservations one sweep pass loads (default: 100).
	SweepBatchSize int `json:"sweep_batch_size" mapstructure:"sweep_batch_size" yaml:"sweep_batch_size"`

	// DefaultCost is the price charged when the catalogue has no entry,
	// as decimal text (default: "1").
	DefaultCost string `json:"default_cost" mapstructure:"default_cost" yaml:"default_cost"`

	// HookTimeout bounds each plugin hook call (default: 5s).
	HookTimeout time.Duration `json:"hook_timeout" mapstructure:"hook_timeout" yaml:"hook_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepSchedule:  sweep.DefaultSchedule,
		SweepTTL:       sweep.DefaultTTL,
		SweepBatchSize: sweep.DefaultBatchSize,
		DefaultCost:    "1",
		HookTimeout:    5 * time.Second,
	}
}
