// Package observability provides a metrics extension for the credit ledger
// that records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnWalletCreated       = (*MetricsExtension)(nil)
	_ plugin.OnDeposit             = (*MetricsExtension)(nil)
	_ plugin.OnReserved            = (*MetricsExtension)(nil)
	_ plugin.OnConfirmed           = (*MetricsExtension)(nil)
	_ plugin.OnRefunded            = (*MetricsExtension)(nil)
	_ plugin.OnRefundClamped       = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits = (*MetricsExtension)(nil)
	_ plugin.OnReservationMismatch = (*MetricsExtension)(nil)
	_ plugin.OnReservationExpired  = (*MetricsExtension)(nil)
	_ plugin.OnTaskOpened          = (*MetricsExtension)(nil)
	_ plugin.OnTaskCompleted       = (*MetricsExtension)(nil)
	_ plugin.OnTaskFailed          = (*MetricsExtension)(nil)
	_ plugin.OnCostDefaulted       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a ledger plugin to track credit flow.
type MetricsExtension struct {
	factory MetricFactory

	// Wallet metrics
	WalletsCreated   Counter
	Deposits         Counter
	CreditsDeposited Counter

	// Reservation metrics
	Reservations          Counter
	ReservationAmount     Histogram
	Confirmations         Counter
	CreditsDeducted       Counter
	Refunds               Counter
	CreditsRefunded       Counter
	RefundsClamped        Counter
	InsufficientCredits   Counter
	ReservationMismatches Counter
	ReservationsExpired   Counter

	// Task metrics
	TasksOpened    Counter
	TasksCompleted Counter
	TasksFailed    Counter

	// Pricing metrics
	CostDefaulted     Counter
	PricingLookupErrs Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// NewPrometheusFactory provides a Prometheus-backed factory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		WalletsCreated:   factory.Counter("credits.wallet.created"),
		Deposits:         factory.Counter("credits.deposit.count"),
		CreditsDeposited: factory.Counter("credits.deposit.amount"),

		Reservations:          factory.Counter("credits.reservation.created"),
		ReservationAmount:     factory.Histogram("credits.reservation.amount"),
		Confirmations:         factory.Counter("credits.reservation.confirmed"),
		CreditsDeducted:       factory.Counter("credits.deducted.amount"),
		Refunds:               factory.Counter("credits.reservation.refunded"),
		CreditsRefunded:       factory.Counter("credits.refunded.amount"),
		RefundsClamped:        factory.Counter("credits.reservation.refund_clamped"),
		InsufficientCredits:   factory.Counter("credits.reservation.insufficient"),
		ReservationMismatches: factory.Counter("credits.reservation.mismatch"),
		ReservationsExpired:   factory.Counter("credits.reservation.expired"),

		TasksOpened:    factory.Counter("credits.task.opened"),
		TasksCompleted: factory.Counter("credits.task.completed"),
		TasksFailed:    factory.Counter("credits.task.failed"),

		CostDefaulted:     factory.Counter("credits.pricing.defaulted"),
		PricingLookupErrs: factory.Counter("credits.pricing.lookup_errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnWalletCreated implements plugin.OnWalletCreated.
func (m *MetricsExtension) OnWalletCreated(_ context.Context, _ *wallet.Wallet) error {
	m.WalletsCreated.Inc()
	return nil
}

// OnDeposit implements plugin.OnDeposit.
func (m *MetricsExtension) OnDeposit(_ context.Context, _ *wallet.Wallet, txn *transaction.Transaction) error {
	m.Deposits.Inc()
	m.CreditsDeposited.Add(txn.Amount.Float64())
	return nil
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReserved implements plugin.OnReserved.
func (m *MetricsExtension) OnReserved(_ context.Context, _ *wallet.Wallet, txn *transaction.Transaction) error {
	m.Reservations.Inc()
	m.ReservationAmount.Observe(txn.Amount.Float64())
	return nil
}

// OnConfirmed implements plugin.OnConfirmed.
func (m *MetricsExtension) OnConfirmed(_ context.Context, _ *wallet.Wallet, txn *transaction.Transaction) error {
	m.Confirmations.Inc()
	m.CreditsDeducted.Add(txn.Amount.Float64())
	return nil
}

// OnRefunded implements plugin.OnRefunded.
func (m *MetricsExtension) OnRefunded(_ context.Context, _ *wallet.Wallet, txn *transaction.Transaction) error {
	m.Refunds.Inc()
	m.CreditsRefunded.Add(txn.Amount.Float64())
	return nil
}

// OnRefundClamped implements plugin.OnRefundClamped.
func (m *MetricsExtension) OnRefundClamped(_ context.Context, _ *wallet.Wallet, _ *transaction.Transaction) error {
	m.RefundsClamped.Inc()
	return nil
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _ string, _, _ types.Credits) error {
	m.InsufficientCredits.Inc()
	return nil
}

// OnReservationMismatch implements plugin.OnReservationMismatch.
func (m *MetricsExtension) OnReservationMismatch(_ context.Context, _ *transaction.Transaction, _ error) error {
	m.ReservationMismatches.Inc()
	return nil
}

// OnReservationExpired implements plugin.OnReservationExpired.
func (m *MetricsExtension) OnReservationExpired(_ context.Context, _ *transaction.Transaction) error {
	m.ReservationsExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskOpened implements plugin.OnTaskOpened.
func (m *MetricsExtension) OnTaskOpened(_ context.Context, _ *task.Task) error {
	m.TasksOpened.Inc()
	return nil
}

// OnTaskCompleted implements plugin.OnTaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(_ context.Context, _ *task.Task) error {
	m.TasksCompleted.Inc()
	return nil
}

// OnTaskFailed implements plugin.OnTaskFailed.
func (m *MetricsExtension) OnTaskFailed(_ context.Context, _ *task.Task) error {
	m.TasksFailed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnCostDefaulted implements plugin.OnCostDefaulted.
func (m *MetricsExtension) OnCostDefaulted(_ context.Context, _, _ string, _ types.Credits, cause error) error {
	m.CostDefaulted.Inc()
	if cause != nil {
		m.PricingLookupErrs.Inc()
	}
	return nil
}
