package models

import "fmt"

// Source identifies a retrieval source class in plan preference order.
type Source string

const (
	SourceBackendDB Source = "backend_db"
	SourceVector    Source = "vector"
	SourceWeb       Source = "web"
	SourceLLMOnly   Source = "llm_only"
)

// AllSources lists sources in stable enumeration order, used for
// deterministic tie-breaking.
var AllSources = []Source{SourceBackendDB, SourceVector, SourceWeb, SourceLLMOnly}

// RiskTier categorizes a run's sensitivity and drives HITL gating.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

var riskRank = map[RiskTier]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordering rank of the tier (low=0 .. critical=3).
// Unknown tiers rank as low.
func (r RiskTier) Rank() int { return riskRank[r] }

// AtLeast reports whether the tier is at or above the given tier.
func (r RiskTier) AtLeast(min RiskTier) bool { return r.Rank() >= min.Rank() }

// Promote returns the tier one step up, capped at critical.
func (r RiskTier) Promote() RiskTier {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// MaxTier returns the higher of two tiers.
func MaxTier(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ModelKnobs selects the model and its generation parameters.
type ModelKnobs struct {
	Name             string  `json:"name"`
	Temperature      float64 `json:"temperature"`
	MaxTokensPerTurn int     `json:"max_tokens_per_turn"`
}

// Budget bounds a run's spend. MaxUSD uses fixed 6-decimal precision.
type Budget struct {
	MaxUSD           Money `json:"max_usd"`
	MaxTokens        int   `json:"max_tokens"`
	PerTurnMaxTokens int   `json:"per_turn_max_tokens"`
}

// Reason is one scored contribution to a plan rationale.
type Reason struct {
	Tag    string  `json:"tag"`
	Weight float64 `json:"weight"`
}

// Rationale records the top plan reasons; weights sum to Confidence.
type Rationale struct {
	Reasons    []Reason `json:"reasons"`
	Confidence float64  `json:"confidence"`
}

// DecisionPlan is the immutable execution plan governing a run.
type DecisionPlan struct {
	Sources        []Source   `json:"sources"`
	ToolsAllowed   []string   `json:"tools_allowed"`
	Model          ModelKnobs `json:"model"`
	MaxTurns       int        `json:"max_turns"`
	Budget         Budget     `json:"budget"`
	Participants   []string   `json:"participants"`
	Synthesizer    string     `json:"synthesizer,omitempty"`
	RiskTier       RiskTier   `json:"risk_tier"`
	Rationale      Rationale  `json:"rationale"`
	CatalogVersion int64      `json:"catalog_version"`
	FlagVersion    int64      `json:"flag_version"`
	Seed           int64      `json:"seed"`
}

// AllowsTool reports whether the named tool is admissible under the plan.
func (p *DecisionPlan) AllowsTool(name string) bool {
	for _, t := range p.ToolsAllowed {
		if t == name {
			return true
		}
	}
	return false
}

// Validate checks the plan's structural invariants against the given
// registered agent and tool name sets.
func (p *DecisionPlan) Validate(agents, tools map[string]bool) error {
	if p.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be >= 1, got %d", p.MaxTurns)
	}
	if p.Budget.MaxUSD < 0 || p.Budget.MaxTokens < 0 || p.Budget.PerTurnMaxTokens < 0 {
		return fmt.Errorf("budget fields must be non-negative")
	}
	if len(p.Participants) == 0 {
		return fmt.Errorf("plan has no participants")
	}
	for _, a := range p.Participants {
		if !agents[a] {
			return fmt.Errorf("participant %q is not a registered agent", a)
		}
	}
	for _, t := range p.ToolsAllowed {
		if !tools[t] {
			return fmt.Errorf("allowed tool %q is not a registered tool", t)
		}
	}
	return nil
}
