package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registeredSets() (agents, tools map[string]bool) {
	agents = map[string]bool{"finance-analyst": true, "critic": true}
	tools = map[string]bool{"db_query": true, "web_search": true}
	return
}

func validPlan() DecisionPlan {
	return DecisionPlan{
		Sources:      []Source{SourceBackendDB, SourceVector, SourceLLMOnly},
		ToolsAllowed: []string{"db_query"},
		Model:        ModelKnobs{Name: "std-large", Temperature: 0.2, MaxTokensPerTurn: 1000},
		MaxTurns:     3,
		Budget:       Budget{MaxUSD: USD(0.20), MaxTokens: 8000, PerTurnMaxTokens: 1000},
		Participants: []string{"finance-analyst", "critic"},
		RiskTier:     RiskLow,
	}
}

func TestPlanValidate(t *testing.T) {
	agents, tools := registeredSets()

	t.Run("valid", func(t *testing.T) {
		p := validPlan()
		require.NoError(t, p.Validate(agents, tools))
	})

	t.Run("zero turns", func(t *testing.T) {
		p := validPlan()
		p.MaxTurns = 0
		assert.ErrorContains(t, p.Validate(agents, tools), "max_turns")
	})

	t.Run("unknown participant", func(t *testing.T) {
		p := validPlan()
		p.Participants = append(p.Participants, "ghost")
		assert.ErrorContains(t, p.Validate(agents, tools), "ghost")
	})

	t.Run("unknown tool", func(t *testing.T) {
		p := validPlan()
		p.ToolsAllowed = []string{"rm_rf"}
		assert.ErrorContains(t, p.Validate(agents, tools), "rm_rf")
	})

	t.Run("negative budget", func(t *testing.T) {
		p := validPlan()
		p.Budget.MaxTokens = -1
		assert.ErrorContains(t, p.Validate(agents, tools), "non-negative")
	})
}

func TestPlanAllowsTool(t *testing.T) {
	p := validPlan()
	assert.True(t, p.AllowsTool("db_query"))
	assert.False(t, p.AllowsTool("web_search"))
}

func TestRiskTierOrdering(t *testing.T) {
	assert.True(t, RiskHigh.AtLeast(RiskMedium))
	assert.True(t, RiskMedium.AtLeast(RiskMedium))
	assert.False(t, RiskLow.AtLeast(RiskMedium))

	assert.Equal(t, RiskMedium, RiskLow.Promote())
	assert.Equal(t, RiskHigh, RiskMedium.Promote())
	assert.Equal(t, RiskCritical, RiskHigh.Promote())
	assert.Equal(t, RiskCritical, RiskCritical.Promote())

	assert.Equal(t, RiskHigh, MaxTier(RiskLow, RiskHigh))
	assert.Equal(t, RiskHigh, MaxTier(RiskHigh, RiskLow))
}

func TestMoney(t *testing.T) {
	assert.Equal(t, Money(200_000), USD(0.20))
	assert.Equal(t, "0.200000", USD(0.20).String())
	assert.Equal(t, "-1.500000", USD(-1.5).String())
	assert.InDelta(t, 0.2, USD(0.20).Dollars(), 1e-9)
}

func TestAgentRole(t *testing.T) {
	r := AgentRole("critic")
	assert.Equal(t, MessageRole("agent:critic"), r)

	name, ok := r.AgentName()
	require.True(t, ok)
	assert.Equal(t, "critic", name)

	_, ok = RoleUser.AgentName()
	assert.False(t, ok)
}

func TestCostTotalsAdd(t *testing.T) {
	var tot CostTotals
	tot.Add(CostEntry{Turn: 1, Agent: "finance-analyst", Model: "std-large", TokensIn: 100, TokensOut: 50, USD: USD(0.01)})
	tot.Add(CostEntry{Turn: 1, Agent: "finance-analyst", Tool: "db_query", TokensIn: 20, USD: USD(0.002)})

	assert.Equal(t, 120, tot.TokensIn)
	assert.Equal(t, 50, tot.TokensOut)
	assert.Equal(t, 170, tot.Tokens())
	assert.Equal(t, USD(0.012), tot.USD)
}
