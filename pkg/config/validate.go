package config

import (
	"fmt"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Validate checks the full configuration for consistency. Called by Load
// after merging; callers constructing Config in code can invoke it directly.
func (c *Config) Validate() error {
	if c.Runner.MaxConcurrentRuns < 1 {
		return invalid("runner", "max_concurrent_runs", "must be >= 1, got %d", c.Runner.MaxConcurrentRuns)
	}
	if c.Bus.SubscriberBuffer < 1 {
		return invalid("bus", "subscriber_buffer", "must be >= 1")
	}
	if c.Bus.TokenBatchSize < 1 {
		return invalid("bus", "token_batch_size", "must be >= 1")
	}
	if c.Turn.PerTurnMaxTokens < 1 {
		return invalid("turn", "per_turn_max_tokens", "must be >= 1")
	}
	if c.Turn.RAGPerTurnMaxTokens > c.Turn.PerTurnMaxTokens {
		return invalid("turn", "rag_per_turn_max_tokens",
			"must not exceed per_turn_max_tokens (%d > %d)",
			c.Turn.RAGPerTurnMaxTokens, c.Turn.PerTurnMaxTokens)
	}
	if c.RAG.TopK < 1 {
		return invalid("rag", "top_k", "must be >= 1")
	}
	if c.RAG.ScoreThreshold < 0 || c.RAG.ScoreThreshold > 1 {
		return invalid("rag", "score_threshold", "must be within [0,1]")
	}
	if c.Selector.Window < 1 {
		return invalid("selector", "window", "must be >= 1")
	}
	if w := c.Selector.Weights; w.PhaseMatch+w.TopicalFit+w.Diversity+w.CriticDemand+w.BudgetFit <= 0 {
		return invalid("selector", "weights", "must sum to a positive value")
	}
	if c.Selector.OverlapThreshold <= 0 || c.Selector.OverlapThreshold > 1 {
		return invalid("selector", "overlap_threshold", "must be within (0,1]")
	}
	if c.Breaker.Failures < 1 {
		return invalid("breaker", "failures", "must be >= 1")
	}
	if c.Breaker.ErrorRatio <= 0 || c.Breaker.ErrorRatio > 1 {
		return invalid("breaker", "error_ratio", "must be within (0,1]")
	}
	if c.Breaker.OpenCooldown <= 0 {
		return invalid("breaker", "open_cooldown", "must be positive")
	}
	for _, category := range []string{"model", "tool", "retriever"} {
		b, ok := c.RateLimit.Buckets[category]
		if !ok {
			return invalid("rate_limit", "buckets", "missing category %q", category)
		}
		if b.Capacity <= 0 || b.RefillPerSec <= 0 {
			return invalid("rate_limit", "buckets", "category %q must have positive capacity and refill", category)
		}
	}
	if c.HITL.DefaultTTL <= 0 {
		return invalid("hitl", "default_ttl", "must be positive")
	}
	for i, rule := range c.HITL.AutoApprove {
		switch models.RiskTier(rule.MaxRisk) {
		case models.RiskLow, models.RiskMedium, models.RiskHigh:
		case models.RiskCritical:
			return invalid("hitl", "auto_approve", "rule %d: critical risk never auto-approves", i)
		default:
			return invalid("hitl", "auto_approve", "rule %d: unknown max_risk %q", i, rule.MaxRisk)
		}
		if len(rule.Actions) == 0 {
			return invalid("hitl", "auto_approve", "rule %d: actions must not be empty", i)
		}
	}
	if err := c.validateDeadlines(); err != nil {
		return err
	}
	if err := c.validateDecision(); err != nil {
		return err
	}
	if c.Guardian.EscalateScore > c.Guardian.RejectScore {
		return invalid("guardian", "escalate_score", "must not exceed reject_score")
	}
	if c.Catalog != nil {
		if err := c.validateAgents(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateDeadlines() error {
	d := c.Deadlines
	if d.Run <= 0 || d.Turn <= 0 || d.Tool <= 0 || d.Model <= 0 {
		return invalid("deadlines", "", "all deadlines must be positive")
	}
	if d.Turn >= d.Run {
		return invalid("deadlines", "turn", "must be shorter than run deadline")
	}
	if d.Tool >= d.Turn || d.Model >= d.Turn {
		return invalid("deadlines", "tool", "tool and model deadlines must be shorter than the turn deadline")
	}
	return nil
}

func (c *Config) validateDecision() error {
	d := c.Decision
	if d.MaxParticipants < 1 {
		return invalid("decision", "max_participants", "must be >= 1")
	}
	if d.Buckets.Simple < 1 || d.Buckets.Standard < d.Buckets.Simple || d.Buckets.Complex < d.Buckets.Standard {
		return invalid("decision", "buckets", "must satisfy 1 <= simple <= standard <= complex")
	}
	if len(d.Models) == 0 {
		return invalid("decision", "models", "at least one model is required")
	}
	seen := make(map[string]bool, len(d.Models))
	for _, m := range d.Models {
		if m.Name == "" {
			return invalid("decision", "models", "model name must not be empty")
		}
		if seen[m.Name] {
			return invalid("decision", "models", "duplicate model %q", m.Name)
		}
		seen[m.Name] = true
		if m.InputPerMTok < 0 || m.OutputPerMTok < 0 {
			return invalid("decision", "models", "model %q has negative pricing", m.Name)
		}
		if m.Quality <= 0 || m.Quality > 1 {
			return invalid("decision", "models", "model %q quality must be within (0,1]", m.Name)
		}
	}
	for _, src := range models.AllSources {
		if _, ok := d.SourceCosts[string(src)]; !ok {
			return invalid("decision", "source_costs", "missing source %q", src)
		}
	}
	if d.DefaultBudget.MaxUSD <= 0 || d.DefaultBudget.MaxTokens <= 0 || d.DefaultBudget.PerTurnMaxTokens <= 0 {
		return invalid("decision", "default_budget", "all fields must be positive")
	}
	return nil
}

func (c *Config) validateAgents() error {
	snap := c.Catalog.Snapshot()
	if snap.Len() == 0 {
		return invalid("agents", "", "catalog must not be empty")
	}
	for _, name := range snap.Names() {
		spec, err := snap.Get(name)
		if err != nil {
			return err
		}
		if !spec.Tier.IsValid() {
			return invalid("agents", name, "unknown tier %q", spec.Tier)
		}
		if len(spec.Capabilities) == 0 {
			return invalid("agents", name, "capabilities must not be empty")
		}
		if spec.SystemPrompt == "" {
			return invalid("agents", name, "system_prompt must not be empty")
		}
		if spec.CostFactor <= 0 {
			return invalid("agents", name, "cost_factor must be positive")
		}
	}
	if len(snap.ByTier(TierCritic)) == 0 {
		return fmt.Errorf("agents: %w: at least one critic-tier agent is required", ErrInvalidValue)
	}
	return nil
}
