package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/config"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.ExecuteContext(context.Background()), errOut.String())
	return out.String()
}

func TestCLIAgainstSQLite(t *testing.T) {
	t.Setenv("CREDITS_STORE_DRIVER", "sqlite")
	t.Setenv("CREDITS_STORE_DSN", filepath.Join(t.TempDir(), "credits.db"))
	t.Setenv("CREDITS_AUDIT_ENABLED", "false")

	assert.Contains(t, execute(t, "migrate"), "migrated sqlite store")

	out := execute(t, "pricing", "set", "WritingAgent", "draft", "2.5", "--label", "Draft")
	assert.Contains(t, out, "WritingAgent/draft now costs 2.50 (resolves to 2.50)")

	out = execute(t, "deposit", "acct_1", "12.5", "--meta", "order_id=ord_9")
	var txn map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &txn))
	assert.Equal(t, "purchase", txn["type"])
	assert.Equal(t, 12.5, txn["amount"])

	out = execute(t, "balance", "acct_1")
	assert.Contains(t, out, "total:     12.50")
	assert.Contains(t, out, "available: 12.50")

	assert.Contains(t, execute(t, "sweep"), "scanned=0 expired=0 failed=0")
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "redis"
	_, err := openStore(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig()
	cfg.LogFormat = "json"

	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := slogRecorder(logger).Record(context.Background(), &audithook.AuditEvent{
		Action:    audithook.ActionCreditsInsufficient,
		Resource:  audithook.ResourceWallet,
		AccountID: "acct_1",
		Outcome:   audithook.OutcomeFailure,
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, audithook.ActionCreditsInsufficient, line["msg"])
	assert.Equal(t, "audit", line["component"])
}
