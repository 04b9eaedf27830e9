package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/observability"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

func counterValue(t *testing.T, c observability.Counter) float64 {
	t.Helper()
	pc, ok := c.(prometheus.Counter)
	require.True(t, ok, "counter type %T", c)
	return testutil.ToFloat64(pc)
}

func TestMetricsTrackReservationFlow(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	l := credits.New(memory.New(), credits.WithPlugin(m))

	_, err := l.Deposit(ctx, "acct_1", types.NewCredits(10), nil)
	require.NoError(t, err)
	w, err := l.Wallet(ctx, "acct_1")
	require.NoError(t, err)

	first, err := l.Reserve(ctx, w, types.MustParseCredits("2.50"), id.TaskID{}, "WritingAgent")
	require.NoError(t, err)
	_, err = l.Confirm(ctx, first.ID)
	require.NoError(t, err)

	second, err := l.Reserve(ctx, w, types.NewCredits(1), id.TaskID{}, "WritingAgent")
	require.NoError(t, err)
	_, err = l.Refund(ctx, second.ID, "")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, w, types.NewCredits(100), id.TaskID{}, "WritingAgent")
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	assert.Equal(t, 1.0, counterValue(t, m.WalletsCreated))
	assert.Equal(t, 1.0, counterValue(t, m.Deposits))
	assert.Equal(t, 10.0, counterValue(t, m.CreditsDeposited))
	assert.Equal(t, 2.0, counterValue(t, m.Reservations))
	assert.Equal(t, 1.0, counterValue(t, m.Confirmations))
	assert.Equal(t, 2.5, counterValue(t, m.CreditsDeducted))
	assert.Equal(t, 1.0, counterValue(t, m.Refunds))
	assert.Equal(t, 1.0, counterValue(t, m.InsufficientCredits))

	n, err := testutil.GatherAndCount(reg, "credits_reservation_amount")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCostDefaultedCountsLookupErrors(t *testing.T) {
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(prometheus.NewRegistry()))
	ctx := context.Background()

	require.NoError(t, m.OnCostDefaulted(ctx, "WritingAgent", "draft", 0, nil))
	require.NoError(t, m.OnCostDefaulted(ctx, "WritingAgent", "draft", 0, errors.New("db down")))

	assert.Equal(t, 2.0, counterValue(t, m.CostDefaulted))
	assert.Equal(t, 1.0, counterValue(t, m.PricingLookupErrs))
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := observability.NewPrometheusFactory(reg)
	b := observability.NewPrometheusFactory(reg)

	a.Counter("credits.task.opened").Inc()
	b.Counter("credits.task.opened").Inc()
	assert.Same(t, a.Counter("credits.task.opened"), a.Counter("credits.task.opened"))

	assert.Equal(t, 2.0, counterValue(t, b.Counter("credits.task.opened")))

	n, err := testutil.GatherAndCount(reg, "credits_task_opened_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
