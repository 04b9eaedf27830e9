package pricing

import "context"

// Store reads and seeds pricing rules. Lookups only return active rules.
type Store interface {
	GetActiveAgent(ctx context.Context, agentKey string) (*Agent, error)
	GetActiveActionCost(ctx context.Context, agentKey, actionKey string) (*ActionCost, error)
	SaveAgent(ctx context.Context, a *Agent) error
	SaveActionCost(ctx context.Context, c *ActionCost) error
}
