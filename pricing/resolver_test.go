package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/pricing"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

type rule struct {
	agent, action string
	cost          string
	active        bool
}

func seed(t *testing.T, agents map[string]bool, rules []rule) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	for key, active := range agents {
		require.NoError(t, s.SaveAgent(ctx, &pricing.Agent{Entity: types.NewEntity(), Key: key, Active: active}))
	}
	for _, r := range rules {
		require.NoError(t, s.SaveActionCost(ctx, &pricing.ActionCost{
			Entity:    types.NewEntity(),
			AgentKey:  r.agent,
			ActionKey: r.action,
			Cost:      types.MustParseCredits(r.cost),
			Active:    r.active,
		}))
	}
	return s
}

func TestResolve(t *testing.T) {
	fallback := types.MustParseCredits("0.50")

	tests := []struct {
		name      string
		agents    map[string]bool
		rules     []rule
		fallback  *types.Credits
		want      string
		defaulted bool
	}{
		{
			name:   "exact rule",
			agents: map[string]bool{"agentX": true},
			rules:  []rule{{"agentX", "actionY", "3", true}},
			want:   "3.00",
		},
		{
			name:   "inactive exact rule falls back to wildcard rule",
			agents: map[string]bool{"agentX": true},
			rules: []rule{
				{"agentX", "actionY", "3", false},
				{"*", "actionY", "5", true},
			},
			want: "5.00",
		},
		{
			name:   "exact rule wins over wildcard",
			agents: map[string]bool{"agentX": true},
			rules: []rule{
				{"agentX", "actionY", "3", true},
				{"*", "actionY", "5", true},
			},
			want: "3.00",
		},
		{
			name:   "unknown agent uses wildcard agent",
			agents: map[string]bool{"*": true},
			rules:  []rule{{"*", "actionY", "7", true}},
			want:   "7.00",
		},
		{
			name:   "inactive agent uses wildcard agent",
			agents: map[string]bool{"agentX": false, "*": true},
			rules: []rule{
				{"agentX", "actionY", "3", true},
				{"*", "actionY", "7", true},
			},
			want: "7.00",
		},
		{
			name:      "no agent defaults",
			rules:     []rule{{"agentX", "actionY", "3", true}},
			want:      "1.00",
			defaulted: true,
		},
		{
			name:      "no rule uses fallback",
			agents:    map[string]bool{"agentX": true},
			fallback:  &fallback,
			want:      "0.50",
			defaulted: true,
		},
		{
			name:   "zero cost rule",
			agents: map[string]bool{"agentX": true},
			rules:  []rule{{"agentX", "actionY", "0", true}},
			want:   "0.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seed(t, tt.agents, tt.rules)
			r := pricing.NewResolver(s)

			res := r.Lookup(context.Background(), "agentX", "actionY", tt.fallback)
			assert.Equal(t, tt.want, res.Cost.String())
			assert.Equal(t, tt.defaulted, res.Defaulted)
			assert.NoError(t, res.Err)
			assert.Equal(t, res.Cost, r.Resolve(context.Background(), "agentX", "actionY", tt.fallback))
		})
	}
}

func TestResolveDefaultCost(t *testing.T) {
	r := pricing.NewResolver(memory.New(), pricing.WithDefaultCost(types.NewCredits(2)))
	assert.Equal(t, types.NewCredits(2), r.Resolve(context.Background(), "a", "b", nil))
}

// failing is a pricing store whose lookups always fail.
type failing struct{ err error }

func (f failing) GetActiveAgent(context.Context, string) (*pricing.Agent, error) { return nil, f.err }
func (f failing) GetActiveActionCost(context.Context, string, string) (*pricing.ActionCost, error) {
	return nil, f.err
}
func (f failing) SaveAgent(context.Context, *pricing.Agent) error           { return f.err }
func (f failing) SaveActionCost(context.Context, *pricing.ActionCost) error { return f.err }

type defaultedRecorder struct {
	calls  int
	causes []error
}

func (d *defaultedRecorder) Name() string { return "defaulted" }

func (d *defaultedRecorder) OnCostDefaulted(_ context.Context, _, _ string, _ types.Credits, cause error) error {
	d.calls++
	d.causes = append(d.causes, cause)
	return nil
}

func TestResolveDegradesOnStoreError(t *testing.T) {
	boom := errors.New("connection refused")
	rec := &defaultedRecorder{}
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(rec))

	r := pricing.NewResolver(failing{err: boom}, pricing.WithPlugins(reg))
	res := r.Lookup(context.Background(), "agentX", "actionY", nil)

	assert.True(t, res.Defaulted)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, pricing.DefaultCost, res.Cost)
	assert.Equal(t, 1, rec.calls)
	assert.ErrorIs(t, rec.causes[0], boom)
}

func TestResolveReportsMissingRule(t *testing.T) {
	rec := &defaultedRecorder{}
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(rec))

	r := pricing.NewResolver(memory.New(), pricing.WithPlugins(reg))
	r.Resolve(context.Background(), "agentX", "actionY", nil)

	require.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.causes[0])
}

func TestRuleValidation(t *testing.T) {
	assert.ErrorIs(t, (&pricing.Agent{}).Validate(), pricing.ErrInvalidRule)
	assert.ErrorIs(t, (&pricing.ActionCost{AgentKey: "a"}).Validate(), pricing.ErrInvalidRule)
	assert.ErrorIs(t, (&pricing.ActionCost{AgentKey: "a", ActionKey: "b", Cost: -1}).Validate(), pricing.ErrInvalidRule)
	assert.NoError(t, (&pricing.ActionCost{AgentKey: "a", ActionKey: "b"}).Validate())
}
