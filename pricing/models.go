package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/credits/types"
)

var (
	ErrAgentNotFound      = errors.New("credits: agent not found")
	ErrActionCostNotFound = errors.New("credits: action cost not found")
	ErrInvalidRule        = errors.New("credits: invalid pricing rule")
)

// Wildcard is the agent key whose rules apply to every agent.
const Wildcard = "*"

// Agent is a billable caller class, usually the type that wraps its actions
// with a guard.
type Agent struct {
	types.Entity
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"is_active"`
}

// ActionCost prices one action of one agent.
type ActionCost struct {
	types.Entity
	AgentKey  string        `json:"agent_key"`
	ActionKey string        `json:"action_key"`
	Label     string        `json:"label,omitempty"`
	Cost      types.Credits `json:"cost"`
	Active    bool          `json:"is_active"`
}

func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return fmt.Errorf("%w: agent key is required", ErrInvalidRule)
	}
	return nil
}

func (c *ActionCost) Validate() error {
	switch {
	case strings.TrimSpace(c.AgentKey) == "":
		return fmt.Errorf("%w: agent key is required", ErrInvalidRule)
	case strings.TrimSpace(c.ActionKey) == "":
		return fmt.Errorf("%w: action key is required", ErrInvalidRule)
	case c.Cost < 0:
		return fmt.Errorf("%w: cost must not be negative, got %s", ErrInvalidRule, c.Cost)
	}
	return nil
}
