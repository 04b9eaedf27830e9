package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/credits/types"
)

// Seed stores cost for (agentKey, actionKey) and creates the agent record
// when no active one exists, so the resolver can find the rule.
func Seed(ctx context.Context, s Store, agentKey, actionKey, label string, cost types.Credits) error {
	if _, err := s.GetActiveAgent(ctx, agentKey); err != nil {
		if !errors.Is(err, ErrAgentNotFound) {
			return fmt.Errorf("pricing: seed agent %q: %w", agentKey, err)
		}
		a := &Agent{Entity: types.NewEntity(), Key: agentKey, Active: true}
		if err := a.Validate(); err != nil {
			return err
		}
		if err := s.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("pricing: seed agent %q: %w", agentKey, err)
		}
	}

	c := &ActionCost{
		Entity:    types.NewEntity(),
		AgentKey:  agentKey,
		ActionKey: actionKey,
		Label:     label,
		Cost:      cost,
		Active:    true,
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.SaveActionCost(ctx, c); err != nil {
		return fmt.Errorf("pricing: seed %s/%s: %w", agentKey, actionKey, err)
	}
	return nil
}
