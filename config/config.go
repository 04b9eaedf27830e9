// Package config loads the creditsd configuration from a YAML or TOML file,
// an optional .env file and CREDITS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xraph/credits/sweep"
	"github.com/xraph/credits/types"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config is the full creditsd configuration.
type Config struct {
	Listen    string `yaml:"listen" toml:"listen"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"` // text or json

	Store   StoreConfig   `yaml:"store" toml:"store"`
	Sweep   SweepConfig   `yaml:"sweep" toml:"sweep"`
	API     APIConfig     `yaml:"api" toml:"api"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Pricing PricingConfig `yaml:"pricing" toml:"pricing"`
	Audit   AuditConfig   `yaml:"audit" toml:"audit"`

	// HookTimeout bounds each plugin hook call.
	HookTimeout time.Duration `yaml:"hook_timeout" toml:"hook_timeout"`
}

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	// DSN is a postgres connection string, a sqlite file path or a mongodb URI.
	DSN string `yaml:"dsn" toml:"dsn"`
	// Database is the mongo database name.
	Database string `yaml:"database" toml:"database"`
	// AutoMigrate runs migrations when the server starts.
	AutoMigrate bool `yaml:"auto_migrate" toml:"auto_migrate"`
}

// SweepConfig configures the stale reservation sweep.
type SweepConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Schedule  string        `yaml:"schedule" toml:"schedule"`
	TTL       time.Duration `yaml:"ttl" toml:"ttl"`
	BatchSize int           `yaml:"batch_size" toml:"batch_size"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	AccountHeader  string   `yaml:"account_header" toml:"account_header"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// Deposits mounts POST /deposits. It requires DepositToken, which the
	// payment webhook presents as "Authorization: Bearer <token>".
	Deposits     bool   `yaml:"deposits" toml:"deposits"`
	DepositToken string `yaml:"deposit_token" toml:"deposit_token"`
	Stream       bool   `yaml:"stream" toml:"stream"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// AuditConfig toggles the audit trail written to the log.
type AuditConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Disabled []string `yaml:"disabled_actions" toml:"disabled_actions"`
}

// PricingConfig seeds the pricing catalogue and sets the resolver default.
type PricingConfig struct {
	// DefaultCost is charged when no catalogue entry matches, e.g. "1" or "0.50".
	DefaultCost string       `yaml:"default_cost" toml:"default_cost"`
	Seed        []PriceEntry `yaml:"seed" toml:"seed"`
}

// PriceEntry is one (agent, action) cost.
type PriceEntry struct {
	Agent  string `yaml:"agent" toml:"agent"`
	Action string `yaml:"action" toml:"action"`
	Cost   string `yaml:"cost" toml:"cost"`
	Label  string `yaml:"label" toml:"label"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Store: StoreConfig{
			Driver:      DriverMemory,
			Database:    "credits",
			AutoMigrate: true,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Schedule:  sweep.DefaultSchedule,
			TTL:       sweep.DefaultTTL,
			BatchSize: sweep.DefaultBatchSize,
		},
		API: APIConfig{
			AccountHeader: "X-Account-ID",
			Stream:        true,
		},
		Metrics:     MetricsConfig{Enabled: true},
		Pricing:     PricingConfig{DefaultCost: "1"},
		Audit:       AuditConfig{Enabled: true},
		HookTimeout: 5 * time.Second,
	}
}

// Load reads the file at path over the defaults, then applies .env and
// CREDITS_* overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load() //nolint:errcheck // optional

	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("CREDITS_LISTEN", &cfg.Listen)
	str("CREDITS_LOG_LEVEL", &cfg.LogLevel)
	str("CREDITS_LOG_FORMAT", &cfg.LogFormat)
	str("CREDITS_STORE_DRIVER", &cfg.Store.Driver)
	str("CREDITS_STORE_DSN", &cfg.Store.DSN)
	str("CREDITS_STORE_DATABASE", &cfg.Store.Database)
	str("CREDITS_SWEEP_SCHEDULE", &cfg.Sweep.Schedule)
	str("CREDITS_DEFAULT_COST", &cfg.Pricing.DefaultCost)
	str("CREDITS_DEPOSIT_TOKEN", &cfg.API.DepositToken)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	boolean("CREDITS_STORE_AUTO_MIGRATE", &cfg.Store.AutoMigrate)
	boolean("CREDITS_SWEEP_ENABLED", &cfg.Sweep.Enabled)
	boolean("CREDITS_METRICS_ENABLED", &cfg.Metrics.Enabled)
	boolean("CREDITS_DEPOSITS_ENABLED", &cfg.API.Deposits)
	boolean("CREDITS_AUDIT_ENABLED", &cfg.Audit.Enabled)

	if v := os.Getenv("CREDITS_SWEEP_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CREDITS_SWEEP_TTL: %w", err))
		} else {
			cfg.Sweep.TTL = d
		}
	}
	if v := os.Getenv("CREDITS_SWEEP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CREDITS_SWEEP_BATCH_SIZE: %w", err))
		} else {
			cfg.Sweep.BatchSize = n
		}
	}
	if v := os.Getenv("CREDITS_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: env: %w", errors.Join(errs...))
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "pg" || cfg.Store.Driver == "postgresql" {
		cfg.Store.Driver = DriverPostgres
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	d := DefaultConfig()
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = d.Sweep.Schedule
	}
	if cfg.Sweep.TTL <= 0 {
		cfg.Sweep.TTL = d.Sweep.TTL
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = d.Sweep.BatchSize
	}
	if cfg.API.AccountHeader == "" {
		cfg.API.AccountHeader = d.API.AccountHeader
	}
	if cfg.Store.Database == "" {
		cfg.Store.Database = d.Store.Database
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = d.HookTimeout
	}
}

// Validate reports configuration that cannot be started.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverMongo:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if c.API.Deposits && c.API.DepositToken == "" {
		errs = append(errs, errors.New("api.deposit_token is required when api.deposits is enabled"))
	}

	if _, err := c.DefaultCost(); err != nil {
		errs = append(errs, fmt.Errorf("pricing.default_cost: %w", err))
	}
	for i, p := range c.Pricing.Seed {
		if p.Agent == "" || p.Action == "" {
			errs = append(errs, fmt.Errorf("pricing.seed[%d]: agent and action are required", i))
		}
		if _, err := parseCost(p.Cost); err != nil {
			errs = append(errs, fmt.Errorf("pricing.seed[%d].cost: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return lvl, nil
}

// DefaultCost parses Pricing.DefaultCost.
func (c Config) DefaultCost() (types.Credits, error) {
	return parseCost(c.Pricing.DefaultCost)
}

// Credits parses the entry's cost.
func (p PriceEntry) Credits() (types.Credits, error) {
	return parseCost(p.Cost)
}

func parseCost(s string) (types.Credits, error) {
	c, err := types.ParseCredits(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if c.IsNegative() {
		return 0, fmt.Errorf("cost %q is negative", s)
	}
	return c, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
