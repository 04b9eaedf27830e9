package pricing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/types"
)

// DefaultCost is charged when no active rule matches and the caller gave no
// fallback.
const DefaultCost = types.OneCredit

// Resolver looks up the price of an (agent, action) pair. It never fails:
// missing rules and store errors both degrade to a default cost, so a pricing
// gap can't block billable work.
type Resolver struct {
	store       Store
	defaultCost types.Credits
	logger      *slog.Logger
	plugins     *plugin.Registry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultCost sets the cost used when neither a rule nor a fallback applies.
func WithDefaultCost(c types.Credits) ResolverOption {
	return func(r *Resolver) { r.defaultCost = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithPlugins reports degraded lookups to the registry's OnCostDefaulted hooks.
func WithPlugins(reg *plugin.Registry) ResolverOption {
	return func(r *Resolver) { r.plugins = reg }
}

func NewResolver(s Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:       s,
		defaultCost: DefaultCost,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	Cost types.Credits
	// AgentKey and ActionKey identify the matched rule. Both are empty when
	// the cost was defaulted.
	AgentKey  string
	ActionKey string
	Defaulted bool
	// Err is the store error that forced a default, if any.
	Err error
}

// Resolve returns the cost for actionKey performed by agentKey.
func (r *Resolver) Resolve(ctx context.Context, agentKey, actionKey string, fallback *types.Credits) types.Credits {
	return r.Lookup(ctx, agentKey, actionKey, fallback).Cost
}

// Lookup resolves a cost in strict precedence:
//
//  1. The active agent record for agentKey, else the active wildcard agent.
//  2. With an agent found: its active cost for actionKey, else the active
//     wildcard cost for actionKey.
//  3. Otherwise fallback, or the resolver default when fallback is nil.
func (r *Resolver) Lookup(ctx context.Context, agentKey, actionKey string, fallback *types.Credits) Resolution {
	agent, err := r.agent(ctx, agentKey)
	if err != nil {
		return r.degrade(ctx, agentKey, actionKey, fallback, err)
	}

	if agent != nil {
		keys := []string{agent.Key}
		if agent.Key != Wildcard {
			keys = append(keys, Wildcard)
		}
		for _, key := range keys {
			cost, err := r.store.GetActiveActionCost(ctx, key, actionKey)
			if errors.Is(err, ErrActionCostNotFound) {
				continue
			}
			if err != nil {
				return r.degrade(ctx, agentKey, actionKey, fallback, err)
			}
			return Resolution{Cost: cost.Cost, AgentKey: key, ActionKey: actionKey}
		}
	}

	return r.degrade(ctx, agentKey, actionKey, fallback, nil)
}

func (r *Resolver) agent(ctx context.Context, agentKey string) (*Agent, error) {
	keys := []string{agentKey}
	if agentKey != Wildcard {
		keys = append(keys, Wildcard)
	}
	for _, key := range keys {
		a, err := r.store.GetActiveAgent(ctx, key)
		if errors.Is(err, ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, nil //nolint:nilnil // no agent is not an error
}

func (r *Resolver) degrade(ctx context.Context, agentKey, actionKey string, fallback *types.Credits, cause error) Resolution {
	cost := r.defaultCost
	if fallback != nil {
		cost = *fallback
	}

	if cause != nil {
		r.logger.Warn("pricing lookup failed, using default cost",
			"agent", agentKey,
			"action", actionKey,
			"cost", cost.String(),
			"error", cause,
		)
	} else {
		r.logger.Debug("no pricing rule, using default cost",
			"agent", agentKey,
			"action", actionKey,
			"cost", cost.String(),
		)
	}

	if r.plugins != nil {
		r.plugins.EmitCostDefaulted(ctx, agentKey, actionKey, cost, cause)
	}

	return Resolution{Cost: cost, Defaulted: true, Err: cause}
}
