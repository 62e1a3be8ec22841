// Package decision implements the planning engine: it turns a request
// into an immutable DecisionPlan (sources, participants, model knobs,
// turn and budget bounds, risk tier) as a pure, seeded function of its
// inputs.
package decision

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// ToolInfo is the minimal tool view the planner needs.
type ToolInfo struct {
	Name         string
	HITLRequired bool
}

// Snapshot bundles the versioned state captured at run start. Plans are
// computed against it, never against live stores.
type Snapshot struct {
	Agents *config.AgentSnapshot
	Flags  config.FlagSnapshot
	Tools  []ToolInfo
}

// PreScanner surfaces the guardian's cheap pre-classification signal.
type PreScanner interface {
	PreScan(text string) guardian.PreScanResult
}

// Engine plans runs. Stateless; safe for concurrent use.
type Engine struct {
	cfg     config.DecisionSettings
	pricing *guard.PricingTable
	scanner PreScanner
}

// NewEngine creates a planning engine. scanner may be nil, in which case
// the guardian signal contributes nothing to the risk tier.
func NewEngine(cfg config.DecisionSettings, scanner PreScanner) *Engine {
	return &Engine{
		cfg:     cfg,
		pricing: guard.NewPricingTable(cfg.Models),
		scanner: scanner,
	}
}

// Plan computes the run plan. It is deterministic: the same request,
// history, snapshot, and seed produce a byte-equal plan.
func (e *Engine) Plan(req *models.Request, history []models.Message, snap Snapshot) (*models.DecisionPlan, error) {
	if snap.Agents == nil || snap.Agents.Len() == 0 {
		return nil, models.NewRunError(models.ErrKindPlanInfeasible, "agent catalog is empty")
	}

	budget := e.resolveBudget(req)
	if budget.MaxUSD < models.USD(e.cfg.MinBudgetViable) {
		return nil, models.NewRunError(models.ErrKindPlanInfeasible,
			"budget %s below viable floor %.2f", budget.MaxUSD, e.cfg.MinBudgetViable)
	}

	if !snap.Flags.DecisionEngine {
		return e.fallbackPlan(budget, snap), nil
	}

	text := requestText(req, history)
	scores := classifyIntents(text, capabilitySet(snap.Agents))
	active := activeIntents(scores)

	participants, coverage, ambiguous, err := e.pickParticipants(active, snap)
	if err != nil {
		return nil, err
	}
	lowConfidence := ambiguous || len(active) == 0

	toolsAllowed, hasHITLTool := e.allowedTools(participants, snap)
	risk := e.riskTier(active, hasHITLTool, text)

	// Risk medium and above always seats a critic.
	if risk.AtLeast(models.RiskMedium) {
		participants = e.ensureCritic(participants, snap)
	}

	complexity := complexityOf(text, len(active))
	maxTurns := e.maxTurns(complexity, budget)
	model := e.chooseModel(maxTurns, budget, risk)
	sources := e.orderSources(active, text)

	confidence := e.confidence(lowConfidence, coverage, active)
	if confidence < 0.5 {
		risk = risk.Promote()
		// Promotion can cross the medium threshold after the first
		// critic check.
		if risk.AtLeast(models.RiskMedium) {
			participants = e.ensureCritic(participants, snap)
		}
	}
	rationale := e.rationale(confidence, active, sources, risk, coverage)

	return &models.DecisionPlan{
		Sources:        sources,
		ToolsAllowed:   toolsAllowed,
		Model:          model,
		MaxTurns:       maxTurns,
		Budget:         budget,
		Participants:   participants,
		Synthesizer:    e.synthesizer(snap),
		RiskTier:       risk,
		Rationale:      rationale,
		CatalogVersion: snap.Agents.Version(),
		FlagVersion:    snap.Flags.Version,
		Seed:           e.cfg.Seed,
	}, nil
}

// resolveBudget applies the request hint over the configured default,
// field by field.
func (e *Engine) resolveBudget(req *models.Request) models.Budget {
	budget := models.Budget{
		MaxUSD:           models.USD(e.cfg.DefaultBudget.MaxUSD),
		MaxTokens:        e.cfg.DefaultBudget.MaxTokens,
		PerTurnMaxTokens: e.cfg.DefaultBudget.PerTurnMaxTokens,
	}
	if hint := req.BudgetHint; hint != nil {
		if hint.MaxUSD > 0 {
			budget.MaxUSD = hint.MaxUSD
		}
		if hint.MaxTokens > 0 {
			budget.MaxTokens = hint.MaxTokens
		}
		if hint.PerTurnMaxTokens > 0 {
			budget.PerTurnMaxTokens = hint.PerTurnMaxTokens
		}
	}
	return budget
}

// fallbackPlan is the single-generalist plan used when the engine flag is
// off: cheapest model, simple turn bucket, the generalist's own tools.
func (e *Engine) fallbackPlan(budget models.Budget, snap Snapshot) *models.DecisionPlan {
	name := e.firstGeneralist(snap.Agents)
	tools, _ := e.allowedTools([]string{name}, snap)
	maxTurns := e.maxTurns(complexitySimple, budget)
	return &models.DecisionPlan{
		Sources:      []models.Source{models.SourceLLMOnly},
		ToolsAllowed: tools,
		Model:        e.knobsFor(e.cheapestModel()),
		MaxTurns:     maxTurns,
		Budget:       budget,
		Participants: []string{name},
		RiskTier:     models.RiskLow,
		Rationale: models.Rationale{
			Reasons:    []models.Reason{{Tag: "decision_engine_disabled", Weight: 0.9}},
			Confidence: 0.9,
		},
		CatalogVersion: snap.Agents.Version(),
		FlagVersion:    snap.Flags.Version,
		Seed:           e.cfg.Seed,
	}
}

func (e *Engine) firstGeneralist(agents *config.AgentSnapshot) string {
	if g := agents.ByTier(config.TierGeneralist); len(g) > 0 {
		return g[0]
	}
	return agents.Names()[0]
}

// pickParticipants greedily maximizes capability coverage of the active
// intents, up to MaxParticipants. Ties prefer the cheaper agent, then the
// seeded hash, then name order.
func (e *Engine) pickParticipants(active []IntentScore, snap Snapshot) (names []string, coverage float64, ambiguous bool, err error) {
	needed := map[string]float64{}
	for _, s := range active {
		needed[s.Tag] = s.Score
	}
	if len(needed) == 0 {
		// Ambiguous request: plan around the generalist.
		return []string{e.firstGeneralist(snap.Agents)}, 0, true, nil
	}

	covered := map[string]bool{}
	picked := map[string]bool{}
	k := e.cfg.MaxParticipants
	if k < 1 {
		k = 1
	}

	for len(names) < k {
		best, bestGain := "", 0.0
		for _, name := range snap.Agents.Names() {
			if picked[name] {
				continue
			}
			spec, _ := snap.Agents.Get(name)
			gain := 0.0
			for _, tag := range spec.Capabilities {
				if !covered[tag] {
					gain += needed[tag]
				}
			}
			if gain > bestGain || (gain == bestGain && gain > 0 && e.prefer(spec, best, snap)) {
				best, bestGain = name, gain
			}
		}
		if bestGain == 0 {
			break
		}
		names = append(names, best)
		picked[best] = true
		spec, _ := snap.Agents.Get(best)
		for _, tag := range spec.Capabilities {
			covered[tag] = true
		}
	}

	if len(names) == 0 {
		if g := snap.Agents.ByTier(config.TierGeneralist); len(g) > 0 {
			return []string{g[0]}, 0, true, nil
		}
		return nil, 0, false, models.NewRunError(models.ErrKindPlanInfeasible,
			"no agent covers the requested capabilities")
	}

	hits := 0
	for tag := range needed {
		if covered[tag] {
			hits++
		}
	}
	return names, float64(hits) / float64(len(needed)), false, nil
}

// prefer breaks a gain tie in favor of spec over the current best.
func (e *Engine) prefer(spec *config.AgentSpec, currentBest string, snap Snapshot) bool {
	if currentBest == "" {
		return true
	}
	cur, _ := snap.Agents.Get(currentBest)
	if spec.CostFactor != cur.CostFactor {
		return spec.CostFactor < cur.CostFactor
	}
	sj, cj := e.jitter(spec.Name), e.jitter(cur.Name)
	if sj != cj {
		return sj < cj
	}
	return spec.Name < cur.Name
}

// jitter derives a stable per-name tie-break value from the seed.
func (e *Engine) jitter(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64() ^ uint64(e.cfg.Seed)
}

// ensureCritic appends a critic-tier agent, evicting the last pick when
// the roster is full.
func (e *Engine) ensureCritic(names []string, snap Snapshot) []string {
	for _, n := range names {
		if spec, err := snap.Agents.Get(n); err == nil && spec.Tier == config.TierCritic {
			return names
		}
	}
	critics := snap.Agents.ByTier(config.TierCritic)
	if len(critics) == 0 {
		return names
	}
	k := e.cfg.MaxParticipants
	if k < 1 {
		k = 1
	}
	if len(names) >= k && len(names) > 1 {
		names = names[:len(names)-1]
	}
	return append(names, critics[0])
}

// allowedTools is the union of the participants' tool policies limited to
// registered tools, sorted. The second return reports whether any allowed
// tool requires HITL.
func (e *Engine) allowedTools(participants []string, snap Snapshot) ([]string, bool) {
	registered := map[string]bool{}
	hitl := map[string]bool{}
	for _, t := range snap.Tools {
		registered[t.Name] = true
		hitl[t.Name] = t.HITLRequired
	}
	seen := map[string]bool{}
	var out []string
	hasHITL := false
	for _, name := range participants {
		spec, err := snap.Agents.Get(name)
		if err != nil {
			continue
		}
		for _, tool := range spec.ToolPolicy {
			if !registered[tool] || seen[tool] {
				continue
			}
			seen[tool] = true
			out = append(out, tool)
			if hitl[tool] {
				hasHITL = true
			}
		}
	}
	sort.Strings(out)
	return out, hasHITL
}

// riskTier derives the tier from intents, tool gating, and the guardian
// pre-scan signal.
func (e *Engine) riskTier(active []IntentScore, hasHITLTool bool, text string) models.RiskTier {
	risk := models.RiskLow
	tags := map[string]bool{}
	for _, s := range active {
		tags[s.Tag] = true
	}
	if tags[IntentFinancial] || tags[IntentCompliance] || tags[IntentOps] {
		risk = models.RiskMedium
	}
	if tags[IntentFinancial] && tags[IntentCompliance] {
		risk = models.RiskHigh
	}
	if hasHITLTool {
		risk = models.MaxTier(risk, models.RiskHigh)
	}
	if e.scanner != nil && e.scanner.PreScan(text).RiskSignal >= 0.6 {
		risk = risk.Promote()
	}
	return risk
}

type complexity int

const (
	complexitySimple complexity = iota
	complexityStandard
	complexityComplex
)

func complexityOf(text string, activeCount int) complexity {
	words := len(strings.Fields(text))
	switch {
	case activeCount >= 3 || words > 120:
		return complexityComplex
	case activeCount <= 1 && words <= 30:
		return complexitySimple
	default:
		return complexityStandard
	}
}

// maxTurns maps complexity to its turn bucket, capped by what the token
// budget can actually fund.
func (e *Engine) maxTurns(c complexity, budget models.Budget) int {
	turns := e.cfg.Buckets.Standard
	switch c {
	case complexitySimple:
		turns = e.cfg.Buckets.Simple
	case complexityComplex:
		turns = e.cfg.Buckets.Complex
	}
	if budget.PerTurnMaxTokens > 0 {
		if funded := budget.MaxTokens / budget.PerTurnMaxTokens; funded < turns {
			turns = funded
		}
	}
	if turns < 1 {
		turns = 1
	}
	return turns
}

// chooseModel prefers quality, stepping down to a cheaper model when the
// predicted run cost exceeds half the budget.
func (e *Engine) chooseModel(maxTurns int, budget models.Budget, risk models.RiskTier) models.ModelKnobs {
	expected := maxTurns * budget.PerTurnMaxTokens
	byQuality := make([]config.ModelSpec, len(e.cfg.Models))
	copy(byQuality, e.cfg.Models)
	sort.SliceStable(byQuality, func(i, j int) bool { return byQuality[i].Quality > byQuality[j].Quality })

	for _, spec := range byQuality {
		predicted := e.pricing.CostOf(spec.Name, expected/2, expected/2)
		if predicted*2 <= budget.MaxUSD {
			return e.knobsFor(spec)
		}
	}
	return e.knobsFor(e.cheapestModel())
}

func (e *Engine) cheapestModel() config.ModelSpec {
	best := e.cfg.Models[0]
	bestCost := e.pricing.CostOf(best.Name, 500, 500)
	for _, spec := range e.cfg.Models[1:] {
		if c := e.pricing.CostOf(spec.Name, 500, 500); c < bestCost {
			best, bestCost = spec, c
		}
	}
	return best
}

func (e *Engine) knobsFor(spec config.ModelSpec) models.ModelKnobs {
	return models.ModelKnobs{
		Name:             spec.Name,
		Temperature:      spec.Temperature,
		MaxTokensPerTurn: spec.MaxTokensPerTurn,
	}
}

// sourceAffinity maps each source to its recency and specificity fit and
// its per-intent utility.
var sourceAffinity = map[models.Source]struct {
	recency     float64
	specificity float64
	intents     map[string]float64
}{
	models.SourceBackendDB: {0.6, 1.0, map[string]float64{
		IntentFinancial: 0.9, IntentOps: 0.7, IntentCompliance: 0.5,
	}},
	models.SourceVector: {0.3, 0.7, map[string]float64{
		IntentResearch: 0.9, IntentTechnical: 0.8, IntentCompliance: 0.6,
	}},
	models.SourceWeb: {1.0, 0.5, map[string]float64{
		IntentStrategic: 0.8, IntentResearch: 0.7, IntentCreative: 0.3,
	}},
	models.SourceLLMOnly: {0.1, 0.2, map[string]float64{
		IntentCreative: 0.9, IntentStrategic: 0.4, IntentTechnical: 0.3,
	}},
}

// orderSources scores utility minus expected cost per source and sorts
// descending; ties break toward the cheaper source, then enumeration
// order.
func (e *Engine) orderSources(active []IntentScore, text string) []models.Source {
	rec := 0.2
	if needsRecency(text) {
		rec = 1.0
	}
	spec := specificity(text)
	w := e.cfg.SourceWeights

	type scored struct {
		source models.Source
		score  float64
		cost   float64
		order  int
	}
	var list []scored
	for i, src := range models.AllSources {
		aff := sourceAffinity[src]
		intentFit := 0.0
		for _, s := range active {
			if fit := aff.intents[s.Tag] * s.Score; fit > intentFit {
				intentFit = fit
			}
		}
		cost := e.cfg.SourceCosts[string(src)]
		utility := w.Recency*aff.recency*rec + w.Specificity*aff.specificity*spec + w.IntentMatch*intentFit
		list = append(list, scored{src, utility - cost, cost, i})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if list[i].cost != list[j].cost {
			return list[i].cost < list[j].cost
		}
		return list[i].order < list[j].order
	})
	out := make([]models.Source, len(list))
	for i, s := range list {
		out[i] = s.source
	}
	return out
}

func (e *Engine) confidence(lowConfidence bool, coverage float64, active []IntentScore) float64 {
	if lowConfidence {
		return 0.4
	}
	top := 0.0
	if len(active) > 0 {
		top = active[0].Score
	}
	c := 0.55 + 0.25*coverage + 0.15*top
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// rationale keeps the top three reasons and scales their weights to sum
// to the confidence.
func (e *Engine) rationale(confidence float64, active []IntentScore, sources []models.Source, risk models.RiskTier, coverage float64) models.Rationale {
	var reasons []models.Reason
	if len(active) > 0 {
		reasons = append(reasons, models.Reason{Tag: "intent:" + active[0].Tag, Weight: active[0].Score})
	} else {
		reasons = append(reasons, models.Reason{Tag: "intent:ambiguous", Weight: 0.3})
	}
	reasons = append(reasons,
		models.Reason{Tag: "source:" + string(sources[0]), Weight: 0.5},
		models.Reason{Tag: "risk:" + string(risk), Weight: 0.2 + 0.1*float64(risk.Rank())},
		models.Reason{Tag: "coverage", Weight: coverage},
	)
	sort.SliceStable(reasons, func(i, j int) bool { return reasons[i].Weight > reasons[j].Weight })
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	total := 0.0
	for _, r := range reasons {
		total += r.Weight
	}
	if total > 0 {
		for i := range reasons {
			reasons[i].Weight = reasons[i].Weight / total * confidence
		}
	}
	return models.Rationale{Reasons: reasons, Confidence: confidence}
}

// synthesizer names the dedicated finalizer agent when the catalog has
// one.
func (e *Engine) synthesizer(snap Snapshot) string {
	if _, err := snap.Agents.Get("synthesizer"); err == nil {
		return "synthesizer"
	}
	return ""
}

func capabilitySet(agents *config.AgentSnapshot) map[string]bool {
	set := map[string]bool{}
	for _, name := range agents.Names() {
		spec, _ := agents.Get(name)
		for _, c := range spec.Capabilities {
			set[c] = true
		}
	}
	return set
}

// requestText is the classification corpus: the request message plus the
// most recent user history entries.
func requestText(req *models.Request, history []models.Message) string {
	parts := []string{req.Message}
	count := 0
	for i := len(history) - 1; i >= 0 && count < 3; i-- {
		if history[i].Role == models.RoleUser {
			parts = append(parts, history[i].Content)
			count++
		}
	}
	return strings.Join(parts, "\n")
}
