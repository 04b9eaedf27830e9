package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook interfaces are discovered once at registration and cached per type.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onWalletCreated       []OnWalletCreated
	onDeposit             []OnDeposit
	onBalanceChanged      []OnBalanceChanged
	onReserved            []OnReserved
	onConfirmed           []OnConfirmed
	onRefunded            []OnRefunded
	onRefundClamped       []OnRefundClamped
	onInsufficientCredits []OnInsufficientCredits
	onReservationMismatch []OnReservationMismatch
	onReservationExpired  []OnReservationExpired
	onTaskOpened          []OnTaskOpened
	onTaskCompleted       []OnTaskCompleted
	onTaskFailed          []OnTaskFailed
	onCostDefaulted       []OnCostDefaulted
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets how long a single hook call may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	cache := func(ok bool, name string, add func()) {
		if ok {
			add()
			hooks = append(hooks, name)
		}
	}

	v1, ok := p.(OnInit)
	cache(ok, "OnInit", func() { r.onInit = append(r.onInit, v1) })
	v2, ok := p.(OnShutdown)
	cache(ok, "OnShutdown", func() { r.onShutdown = append(r.onShutdown, v2) })
	v3, ok := p.(OnWalletCreated)
	cache(ok, "OnWalletCreated", func() { r.onWalletCreated = append(r.onWalletCreated, v3) })
	v4, ok := p.(OnDeposit)
	cache(ok, "OnDeposit", func() { r.onDeposit = append(r.onDeposit, v4) })
	v5, ok := p.(OnBalanceChanged)
	cache(ok, "OnBalanceChanged", func() { r.onBalanceChanged = append(r.onBalanceChanged, v5) })
	v6, ok := p.(OnReserved)
	cache(ok, "OnReserved", func() { r.onReserved = append(r.onReserved, v6) })
	v7, ok := p.(OnConfirmed)
	cache(ok, "OnConfirmed", func() { r.onConfirmed = append(r.onConfirmed, v7) })
	v8, ok := p.(OnRefunded)
	cache(ok, "OnRefunded", func() { r.onRefunded = append(r.onRefunded, v8) })
	v9, ok := p.(OnRefundClamped)
	cache(ok, "OnRefundClamped", func() { r.onRefundClamped = append(r.onRefundClamped, v9) })
	v10, ok := p.(OnInsufficientCredits)
	cache(ok, "OnInsufficientCredits", func() { r.onInsufficientCredits = append(r.onInsufficientCredits, v10) })
	v11, ok := p.(OnReservationMismatch)
	cache(ok, "OnReservationMismatch", func() { r.onReservationMismatch = append(r.onReservationMismatch, v11) })
	v12, ok := p.(OnReservationExpired)
	cache(ok, "OnReservationExpired", func() { r.onReservationExpired = append(r.onReservationExpired, v12) })
	v13, ok := p.(OnTaskOpened)
	cache(ok, "OnTaskOpened", func() { r.onTaskOpened = append(r.onTaskOpened, v13) })
	v14, ok := p.(OnTaskCompleted)
	cache(ok, "OnTaskCompleted", func() { r.onTaskCompleted = append(r.onTaskCompleted, v14) })
	v15, ok := p.(OnTaskFailed)
	cache(ok, "OnTaskFailed", func() { r.onTaskFailed = append(r.onTaskFailed, v15) })
	v16, ok := p.(OnCostDefaulted)
	cache(ok, "OnCostDefaulted", func() { r.onCostDefaulted = append(r.onCostDefaulted, v16) })

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	emit(r, ctx, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, l)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, ctx, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitWalletCreated emits a wallet created event.
func (r *Registry) EmitWalletCreated(ctx context.Context, w *wallet.Wallet) {
	emit(r, ctx, "OnWalletCreated", snapshot(r, &r.onWalletCreated), func(p OnWalletCreated) error {
		return p.OnWalletCreated(ctx, w)
	})
}

// EmitDeposit emits a deposit event.
func (r *Registry) EmitDeposit(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) {
	emit(r, ctx, "OnDeposit", snapshot(r, &r.onDeposit), func(p OnDeposit) error {
		return p.OnDeposit(ctx, w, txn)
	})
}

// EmitBalanceChanged emits a balance changed event.
func (r *Registry) EmitBalanceChanged(ctx context.Context, change BalanceChange) {
	emit(r, ctx, "OnBalanceChanged", snapshot(r, &r.onBalanceChanged), func(p OnBalanceChanged) error {
		return p.OnBalanceChanged(ctx, change)
	})
}

// EmitReserved emits a reservation committed event.
func (r *Registry) EmitReserved(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) {
	emit(r, ctx, "OnReserved", snapshot(r, &r.onReserved), func(p OnReserved) error {
		return p.OnReserved(ctx, w, txn)
	})
}

// EmitConfirmed emits a reservation confirmed event.
func (r *Registry) EmitConfirmed(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) {
	emit(r, ctx, "OnConfirmed", snapshot(r, &r.onConfirmed), func(p OnConfirmed) error {
		return p.OnConfirmed(ctx, w, txn)
	})
}

// EmitRefunded emits a reservation refunded event.
func (r *Registry) EmitRefunded(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) {
	emit(r, ctx, "OnRefunded", snapshot(r, &r.onRefunded), func(p OnRefunded) error {
		return p.OnRefunded(ctx, w, txn)
	})
}

// EmitRefundClamped emits a clamped refund event.
func (r *Registry) EmitRefundClamped(ctx context.Context, w *wallet.Wallet, txn *transaction.Transaction) {
	emit(r, ctx, "OnRefundClamped", snapshot(r, &r.onRefundClamped), func(p OnRefundClamped) error {
		return p.OnRefundClamped(ctx, w, txn)
	})
}

// EmitInsufficientCredits emits a rejected reservation event.
func (r *Registry) EmitInsufficientCredits(ctx context.Context, accountID string, requested, available types.Credits) {
	emit(r, ctx, "OnInsufficientCredits", snapshot(r, &r.onInsufficientCredits), func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, accountID, requested, available)
	})
}

// EmitReservationMismatch emits a reservation mismatch event.
func (r *Registry) EmitReservationMismatch(ctx context.Context, txn *transaction.Transaction, cause error) {
	emit(r, ctx, "OnReservationMismatch", snapshot(r, &r.onReservationMismatch), func(p OnReservationMismatch) error {
		return p.OnReservationMismatch(ctx, txn, cause)
	})
}

// EmitReservationExpired emits a swept reservation event.
func (r *Registry) EmitReservationExpired(ctx context.Context, txn *transaction.Transaction) {
	emit(r, ctx, "OnReservationExpired", snapshot(r, &r.onReservationExpired), func(p OnReservationExpired) error {
		return p.OnReservationExpired(ctx, txn)
	})
}

// EmitTaskOpened emits a task opened event.
func (r *Registry) EmitTaskOpened(ctx context.Context, t *task.Task) {
	emit(r, ctx, "OnTaskOpened", snapshot(r, &r.onTaskOpened), func(p OnTaskOpened) error {
		return p.OnTaskOpened(ctx, t)
	})
}

// EmitTaskCompleted emits a task completed event.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task) {
	emit(r, ctx, "OnTaskCompleted", snapshot(r, &r.onTaskCompleted), func(p OnTaskCompleted) error {
		return p.OnTaskCompleted(ctx, t)
	})
}

// EmitTaskFailed emits a task failed event.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task) {
	emit(r, ctx, "OnTaskFailed", snapshot(r, &r.onTaskFailed), func(p OnTaskFailed) error {
		return p.OnTaskFailed(ctx, t)
	})
}

// EmitCostDefaulted emits a cost defaulted event.
func (r *Registry) EmitCostDefaulted(ctx context.Context, agentKey, actionKey string, cost types.Credits, cause error) {
	emit(r, ctx, "OnCostDefaulted", snapshot(r, &r.onCostDefaulted), func(p OnCostDefaulted) error {
		return p.OnCostDefaulted(ctx, agentKey, actionKey, cost, cause)
	})
}

// snapshot reads a cached hook slice under the read lock.
func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// emit calls fn for each plugin and logs failures. Plugins never fail the
// operation that emitted the event.
func emit[T Plugin](r *Registry, ctx context.Context, hook string, plugins []T, fn func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
