// Package groupchat runs the multi-agent conversation: per-turn speaker
// selection, prompt assembly, streaming model calls with tool handoff,
// scratchpad extraction, conflict inspection, and termination.
package groupchat

import (
	"math"
	"sort"
	"strings"

	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Phase is the conversation stage derived from turn position and the
// last speaker's tier.
type Phase string

const (
	PhaseIntro     Phase = "intro"
	PhaseAnalysis  Phase = "analysis"
	PhaseSynthesis Phase = "synthesis"
	PhaseCritique  Phase = "critique"
	PhaseClosing   Phase = "closing"
)

// TurnView is the selector's read-only snapshot of the run at one turn.
type TurnView struct {
	TurnIndex int
	MaxTurns  int
	// LastSpeakerTier is the tier of the previous turn's speaker; empty on
	// the first turn.
	LastSpeakerTier config.AgentTier
	// SpeakerHistory lists speakers chronologically; the diversity factor
	// looks at its tail.
	SpeakerHistory []string
	// RecentText is the text of the last few messages, for topical fit.
	RecentText string
	// ConflictRecent is set when a conflict fired within the window.
	ConflictRecent bool
	// BudgetRemaining is the unconsumed budget fraction.
	BudgetRemaining float64
}

// SpeakerScore is the selection outcome with its factor breakdown.
type SpeakerScore struct {
	Agent   string
	Factors map[string]float64
	Total   float64
}

// Selector scores candidates per turn. Pure over the snapshot; safe for
// concurrent use.
type Selector struct {
	cfg    config.SelectorSettings
	agents *config.AgentSnapshot
}

// NewSelector creates a selector over the run's captured agent snapshot.
func NewSelector(cfg config.SelectorSettings, agents *config.AgentSnapshot) *Selector {
	return &Selector{cfg: cfg, agents: agents}
}

// Select picks the next speaker among the plan participants. Ties break
// toward the less frequent recent speaker, then stable name order.
func (s *Selector) Select(view TurnView, plan *models.DecisionPlan) SpeakerScore {
	phase := phaseFor(view)
	recentTerms := termSet(view.RecentText)
	window := tail(view.SpeakerHistory, s.cfg.Window)

	candidates := make([]string, len(plan.Participants))
	copy(candidates, plan.Participants)
	sort.Strings(candidates)

	best := SpeakerScore{}
	for _, name := range candidates {
		spec, err := s.agents.Get(name)
		if err != nil {
			continue
		}
		score := s.score(spec, phase, recentTerms, window, view)
		if best.Agent == "" || score.Total > best.Total ||
			(score.Total == best.Total && frequency(window, name) < frequency(window, best.Agent)) {
			best = score
		}
	}
	return best
}

func (s *Selector) score(spec *config.AgentSpec, phase Phase, recentTerms map[string]bool, window []string, view TurnView) SpeakerScore {
	w := s.cfg.Weights
	factors := map[string]float64{
		"phase_match":   phaseMatch(spec.Tier, phase),
		"topical_fit":   topicalFit(spec, recentTerms),
		"diversity":     diversity(window, spec.Name, s.cfg.Window),
		"critic_demand": criticDemand(spec.Tier, view.ConflictRecent),
		"budget_fit":    budgetFit(spec.CostFactor, view.BudgetRemaining),
	}
	total := w.PhaseMatch*factors["phase_match"] +
		w.TopicalFit*factors["topical_fit"] +
		w.Diversity*factors["diversity"] +
		w.CriticDemand*factors["critic_demand"] +
		w.BudgetFit*factors["budget_fit"]
	return SpeakerScore{Agent: spec.Name, Factors: factors, Total: total}
}

// phaseFor maps the turn position to a stage. A critic speaking last
// pulls the next turn toward synthesis so flagged issues get addressed.
func phaseFor(view TurnView) Phase {
	if view.TurnIndex == 0 {
		return PhaseIntro
	}
	if view.MaxTurns > 0 && view.TurnIndex == view.MaxTurns-1 {
		return PhaseClosing
	}
	if view.LastSpeakerTier == config.TierCritic {
		return PhaseSynthesis
	}
	frac := 0.5
	if view.MaxTurns > 0 {
		frac = float64(view.TurnIndex) / float64(view.MaxTurns)
	}
	switch {
	case frac < 0.5:
		return PhaseAnalysis
	case frac < 0.75:
		return PhaseSynthesis
	default:
		return PhaseCritique
	}
}

// phaseMatch rates how well a tier fits the stage.
var phaseFit = map[config.AgentTier]map[Phase]float64{
	config.TierGeneralist: {
		PhaseIntro: 1.0, PhaseAnalysis: 0.6, PhaseSynthesis: 0.8,
		PhaseCritique: 0.3, PhaseClosing: 1.0,
	},
	config.TierSpecialist: {
		PhaseIntro: 0.5, PhaseAnalysis: 1.0, PhaseSynthesis: 0.6,
		PhaseCritique: 0.3, PhaseClosing: 0.4,
	},
	config.TierCritic: {
		PhaseIntro: 0.1, PhaseAnalysis: 0.4, PhaseSynthesis: 0.3,
		PhaseCritique: 1.0, PhaseClosing: 0.2,
	},
}

func phaseMatch(tier config.AgentTier, phase Phase) float64 {
	if fit, ok := phaseFit[tier]; ok {
		return fit[phase]
	}
	return 0.5
}

// topicalFit is the cosine over the agent's term set (capabilities plus
// description) and the recent message terms.
func topicalFit(spec *config.AgentSpec, recent map[string]bool) float64 {
	agentTerms := map[string]bool{}
	for _, c := range spec.Capabilities {
		agentTerms[strings.ToLower(c)] = true
	}
	for term := range termSet(spec.Description) {
		agentTerms[term] = true
	}
	if len(agentTerms) == 0 || len(recent) == 0 {
		return 0
	}
	shared := 0
	for term := range agentTerms {
		if recent[term] {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(agentTerms))*float64(len(recent)))
}

// diversity is 1 minus the agent's normalized frequency in the window.
func diversity(window []string, name string, windowSize int) float64 {
	if windowSize <= 0 || len(window) == 0 {
		return 1
	}
	return 1 - float64(frequency(window, name))/float64(windowSize)
}

// criticDemand elevates critics after a recent conflict; non-critics hold
// a flat baseline so the factor differentiates rather than dominates.
func criticDemand(tier config.AgentTier, conflictRecent bool) float64 {
	if tier != config.TierCritic {
		return 0.3
	}
	if conflictRecent {
		return 1.0
	}
	return 0.15
}

// budgetFit penalizes expensive agents as the remaining budget shrinks.
func budgetFit(costFactor, remaining float64) float64 {
	if costFactor <= 0 {
		costFactor = 1
	}
	pressure := 1 - remaining
	if pressure < 0 {
		pressure = 0
	}
	fit := 1 - pressure*(costFactor-0.5)
	if fit < 0 {
		return 0
	}
	if fit > 1 {
		return 1
	}
	return fit
}

func frequency(window []string, name string) int {
	n := 0
	for _, s := range window {
		if s == name {
			n++
		}
	}
	return n
}

func tail(list []string, n int) []string {
	if n <= 0 || len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}

// termSet lowercases and tokenizes text into a word set.
func termSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

// textOverlap measures how much of the prior turn's term set recurs in
// the new turn, for the no_new_information termination check.
func textOverlap(prior, current string) float64 {
	p, c := termSet(prior), termSet(current)
	if len(p) == 0 {
		return 0
	}
	shared := 0
	for term := range p {
		if c[term] {
			shared++
		}
	}
	return float64(shared) / float64(len(p))
}
