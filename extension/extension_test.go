package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{SweepTTL: time.Hour})

	d := DefaultConfig()
	assert.Equal(t, time.Hour, cfg.SweepTTL)
	assert.Equal(t, d.SweepSchedule, cfg.SweepSchedule)
	assert.Equal(t, d.SweepBatchSize, cfg.SweepBatchSize)
	assert.Equal(t, "1", cfg.DefaultCost)
	assert.Equal(t, d.HookTimeout, cfg.HookTimeout)
}

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name         string
		file, option Config
		check        func(t *testing.T, cfg Config)
	}{
		{
			name:   "file wins",
			file:   Config{SweepSchedule: "@every 5m", DefaultCost: "2"},
			option: Config{SweepSchedule: "@hourly", DefaultCost: "3"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "@every 5m", cfg.SweepSchedule)
				assert.Equal(t, "2", cfg.DefaultCost)
			},
		},
		{
			name:   "options fill gaps",
			option: Config{SweepTTL: time.Minute, SweepBatchSize: 7},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, time.Minute, cfg.SweepTTL)
				assert.Equal(t, 7, cfg.SweepBatchSize)
			},
		},
		{
			name:   "flags are sticky",
			option: Config{DisableMigrate: true, DisableSweep: true},
			check: func(t *testing.T, cfg Config) {
				assert.True(t, cfg.DisableMigrate)
				assert.True(t, cfg.DisableSweep)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, mergeConfigurations(tt.file, tt.option))
		})
	}
}

func TestOptions(t *testing.T) {
	s := memory.New()
	e := New(
		WithStore(s),
		WithDisableMigrate(),
		WithSweep("@every 30s", 2*time.Minute),
		WithDefaultCost("0.25"),
	)

	assert.Same(t, s, e.store)
	assert.True(t, e.config.DisableMigrate)
	assert.Equal(t, "@every 30s", e.config.SweepSchedule)
	assert.Equal(t, 2*time.Minute, e.config.SweepTTL)
	assert.Equal(t, "0.25", e.config.DefaultCost)
	assert.Equal(t, ExtensionName, e.Name())
}

func TestGuardRequiresRegister(t *testing.T) {
	e := New()
	_, err := e.Guard("WritingAgent")
	require.Error(t, err)
	assert.Nil(t, e.Ledger())
	assert.Error(t, e.Health(t.Context()))
}
