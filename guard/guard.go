// Package guard wraps billable handlers with the full credit lifecycle:
// wallet lookup, cost resolution, task bookkeeping, reservation, execution and
// settlement. Execute never lets an error or panic escape; every outcome is a
// Result.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/task"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// DefaultSettleTimeout bounds confirm/refund and task finalization after the
// handler returns.
const DefaultSettleTimeout = 10 * time.Second

// Engine is the part of the ledger the guard drives.
type Engine interface {
	Wallet(ctx context.Context, accountID string) (*wallet.Wallet, error)
	OpenTask(ctx context.Context, accountID, agent, action string, reserved types.Credits) (*task.Task, error)
	Reserve(ctx context.Context, w *wallet.Wallet, amount types.Credits, taskID id.TaskID, agent string) (*transaction.Transaction, error)
	Confirm(ctx context.Context, txnID id.TransactionID) (*transaction.Transaction, error)
	Refund(ctx context.Context, txnID id.TransactionID, reason string) (*transaction.Transaction, error)
	CompleteTask(ctx context.Context, t *task.Task, result any) error
	FailTask(ctx context.Context, t *task.Task, reason string) error
}

// CostResolver prices an action.
type CostResolver interface {
	Resolve(ctx context.Context, agentKey, actionKey string, fallback *types.Credits) types.Credits
}

var _ Engine = (*credits.Ledger)(nil)

// Call is what a handler receives.
type Call struct {
	AccountID string
	Agent     string
	Action    string
	TaskID    id.TaskID
	Cost      types.Credits
	Args      map[string]any
	// State is caller-supplied session state, passed through untouched.
	State map[string]any
}

// Handler performs the billable work. Returning a non-nil error, or a Result
// that does not count as a success, refunds the reservation.
type Handler func(ctx context.Context, call *Call) (Result, error)

// Guarded is a handler bound to its action by Wrap.
type Guarded func(ctx context.Context, accountID string, args map[string]any, opts ...CallOption) Result

type entry struct {
	handler  Handler
	fallback *types.Credits
}

// HandlerOption configures a registered handler.
type HandlerOption func(*entry)

// WithFallbackCost sets the cost charged when no pricing rule matches.
func WithFallbackCost(c types.Credits) HandlerOption {
	return func(e *entry) { e.fallback = &c }
}

// CallOption configures one invocation.
type CallOption func(*Call)

// WithState passes session state to the handler.
func WithState(state map[string]any) CallOption {
	return func(c *Call) { c.State = state }
}

// Guard dispatches actions for one agent.
type Guard struct {
	agent    string
	engine   Engine
	resolver CostResolver

	mu       sync.RWMutex
	handlers map[string]entry

	logger        *slog.Logger
	tracer        trace.Tracer
	settleTimeout time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(g *Guard) { g.tracer = t }
}

// WithSettleTimeout bounds settlement after the handler returns.
func WithSettleTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.settleTimeout = d
		}
	}
}

// New creates a guard for agent, the label of the type whose actions it
// bills. The label is the agent key used for pricing.
func New(agent string, engine Engine, resolver CostResolver, opts ...Option) *Guard {
	g := &Guard{
		agent:         agent,
		engine:        engine,
		resolver:      resolver,
		handlers:      make(map[string]entry),
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/xraph/credits/guard"),
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Agent returns the guard's agent key.
func (g *Guard) Agent() string { return g.agent }

// Handle registers h for action.
func (g *Guard) Handle(action string, h Handler, opts ...HandlerOption) error {
	if action == "" {
		return fmt.Errorf("guard: empty action for agent %s", g.agent)
	}
	if h == nil {
		return fmt.Errorf("guard: nil handler for %s.%s", g.agent, action)
	}

	e := entry{handler: h}
	for _, opt := range opts {
		opt(&e)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.handlers[action]; exists {
		return fmt.Errorf("guard: duplicate handler for %s.%s", g.agent, action)
	}
	g.handlers[action] = e
	return nil
}

// Wrap registers h and returns it bound to the guard. An empty action uses
// the handler's function name.
func (g *Guard) Wrap(action string, h Handler, opts ...HandlerOption) (Guarded, error) {
	if action == "" {
		action = funcName(h)
	}
	if err := g.Handle(action, h, opts...); err != nil {
		return nil, err
	}
	return func(ctx context.Context, accountID string, args map[string]any, callOpts ...CallOption) Result {
		return g.Execute(ctx, accountID, action, args, callOpts...)
	}, nil
}

// Actions returns the registered action names, sorted.
func (g *Guard) Actions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.handlers))
	for a := range g.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Validate fails when any of the required actions has no handler. Call it at
// startup.
func (g *Guard) Validate(actions ...string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var missing []string
	for _, a := range actions {
		if _, ok := g.handlers[a]; !ok {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("guard: %s has no handler for: %s", g.agent, strings.Join(missing, ", "))
	}
	return nil
}

// Execute runs action for accountID.
//
// The sequence is: look up the wallet, resolve the cost, open a task, reserve,
// run the handler, then confirm on success or refund otherwise, and finalize
// the task. Settlement runs detached from ctx cancellation so a caller that
// goes away cannot strand a reservation.
func (g *Guard) Execute(ctx context.Context, accountID, action string, args map[string]any, opts ...CallOption) Result {
	g.mu.RLock()
	e, ok := g.handlers[action]
	g.mu.RUnlock()
	if !ok {
		return Errorf(CodeUnknownAction, "unknown action %q for %s", action, g.agent)
	}

	ctx, span := g.tracer.Start(ctx, "guard."+action,
		trace.WithAttributes(
			attribute.String("credits.account_id", accountID),
			attribute.String("credits.agent", g.agent),
			attribute.String("credits.action", action),
		),
	)
	defer span.End()

	res := g.execute(ctx, span, accountID, action, e, args, opts)

	outcome := res.Status()
	if res.IsSuccess() {
		outcome = StatusSuccess
	}
	span.SetAttributes(attribute.String("credits.outcome", outcome))
	if code := res.Code(); code != "" {
		span.SetAttributes(attribute.String("credits.error_code", code))
		span.SetStatus(codes.Error, res.FailureReason())
	}
	return res
}

func (g *Guard) execute(ctx context.Context, span trace.Span, accountID, action string, e entry, args map[string]any, opts []CallOption) Result {
	log := g.logger.With("account_id", accountID, "agent", g.agent, "action", action)

	w, err := g.engine.Wallet(ctx, accountID)
	if errors.Is(err, credits.ErrNoWallet) {
		return Errorf(CodeNoWallet, "no wallet for account %s", accountID)
	}
	if err != nil {
		log.Error("wallet lookup failed", "error", err)
		return Errorf(CodeReservationFailed, "wallet lookup failed")
	}

	cost := g.resolver.Resolve(ctx, g.agent, action, e.fallback)
	span.SetAttributes(attribute.Float64("credits.cost", cost.Float64()))

	t, err := g.engine.OpenTask(ctx, accountID, g.agent, action, cost)
	if err != nil {
		log.Error("open task failed", "error", err)
		return Errorf(CodeReservationFailed, "could not record task")
	}

	txn, err := g.engine.Reserve(ctx, w, cost, t.ID, g.agent)
	if err != nil {
		settleCtx, cancel := g.settleContext(ctx)
		defer cancel()

		if errors.Is(err, credits.ErrInsufficientCredits) {
			g.failTask(settleCtx, log, t, "Insufficient credits")
			return Errorf(CodeInsufficientCredits, "Insufficient credits")
		}
		log.Error("reservation failed", "error", err)
		g.failTask(settleCtx, log, t, "reservation failed")
		return Errorf(CodeReservationFailed, "reservation failed")
	}

	call := &Call{
		AccountID: accountID,
		Agent:     g.agent,
		Action:    action,
		TaskID:    t.ID,
		Cost:      cost,
		Args:      args,
	}
	for _, opt := range opts {
		opt(call)
	}

	res, cbErr := invoke(ctx, e.handler, call)

	settleCtx, cancel := g.settleContext(ctx)
	defer cancel()

	var pe *panicError
	switch {
	case errors.As(cbErr, &pe):
		log.Error("handler panicked", "error", cbErr)
		g.refund(settleCtx, log, txn)
		g.failTask(settleCtx, log, t, cbErr.Error())
		return Errorf(CodeCallbackPanic, "%s", cbErr.Error())

	case cbErr != nil:
		log.Warn("handler failed", "error", cbErr)
		g.refund(settleCtx, log, txn)
		g.failTask(settleCtx, log, t, cbErr.Error())
		return Errorf(CodeCallbackFailed, "%s", cbErr.Error())

	case res.IsSuccess():
		if _, err := g.engine.Confirm(settleCtx, txn.ID); err != nil {
			code := CodeSettlementFailed
			if credits.IsFatal(err) {
				code = CodeReservationMismatch
			}
			log.Error("confirm failed", "transaction_id", txn.ID.String(), "error", err)
			g.failTask(settleCtx, log, t, "settlement failed: "+code)
			return Errorf(code, "could not settle reservation %s", txn.ID)
		}
		g.completeTask(settleCtx, log, t, res)
		return res

	default:
		if res == nil {
			res = Failure(DefaultFailureReason)
		}
		g.refund(settleCtx, log, txn)
		g.failTask(settleCtx, log, t, res.FailureReason())
		return res
	}
}

func (g *Guard) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.settleTimeout)
}

// refund releases the reservation. A failure leaves it pending for the sweep.
func (g *Guard) refund(ctx context.Context, log *slog.Logger, txn *transaction.Transaction) {
	if _, err := g.engine.Refund(ctx, txn.ID, transaction.ReasonRefund); err != nil {
		log.Error("refund failed, reservation left for sweep",
			"transaction_id", txn.ID.String(),
			"error", err,
		)
	}
}

// completeTask records success for a confirmed charge. If the result cannot
// be stored the task is completed without it, so it never stays pending.
func (g *Guard) completeTask(ctx context.Context, log *slog.Logger, t *task.Task, res Result) {
	err := g.engine.CompleteTask(ctx, t, map[string]any(res))
	if err == nil {
		return
	}
	log.Warn("storing task result failed, completing without it", "task_id", t.ID.String(), "error", err)
	if err := g.engine.CompleteTask(ctx, t, nil); err != nil {
		log.Error("complete task failed", "task_id", t.ID.String(), "error", err)
	}
}

func (g *Guard) failTask(ctx context.Context, log *slog.Logger, t *task.Task, reason string) {
	if err := g.engine.FailTask(ctx, t, reason); err != nil {
		log.Error("fail task failed", "task_id", t.ID.String(), "error", err)
	}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// invoke runs h and converts a panic into a *panicError.
func invoke(ctx context.Context, h Handler, call *Call) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &panicError{value: rec}
		}
	}()
	return h(ctx, call)
}

// funcName returns the unqualified name of fn, e.g. "summarize" for
// pkg.(*Agent).summarize-fm.
func funcName(fn any) string {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
