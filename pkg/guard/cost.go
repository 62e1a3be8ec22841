package guard

import (
	"sync"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Threshold is a budget fraction that fires exactly once per run.
type Threshold struct {
	Kind     ThresholdKind
	Fraction float64
}

// ThresholdKind names a budget threshold crossing.
type ThresholdKind string

const (
	ThresholdWarn ThresholdKind = "warn"     // 70%
	ThresholdNear ThresholdKind = "hit_soft" // 90%
	ThresholdHard ThresholdKind = "hit_hard" // 100%
)

// thresholds in ascending order; a single delta may cross several at once.
var thresholds = []Threshold{
	{Kind: ThresholdWarn, Fraction: 0.70},
	{Kind: ThresholdNear, Fraction: 0.90},
	{Kind: ThresholdHard, Fraction: 1.00},
}

// CostTracker accumulates a run's cost ledger and enforces its budget.
// Writes are serialized (single-writer orchestrator, guarded anyway);
// readers see monotonically non-decreasing totals.
type CostTracker struct {
	mu      sync.Mutex
	budget  models.Budget
	ledger  []models.CostEntry
	totals  models.CostTotals
	crossed map[ThresholdKind]bool
	hard    bool

	tenant   string
	tenantLg *TenantLedger
}

// NewCostTracker creates a tracker for one run. tenantLedger may be nil.
func NewCostTracker(budget models.Budget, tenant string, tenantLedger *TenantLedger) *CostTracker {
	return &CostTracker{
		budget:   budget,
		crossed:  make(map[ThresholdKind]bool),
		tenant:   tenant,
		tenantLg: tenantLedger,
	}
}

// AddModelUsage records one model call and returns any thresholds the
// delta crossed, each reported exactly once per run.
func (c *CostTracker) AddModelUsage(turn int, agent, model string, tokensIn, tokensOut int, usd models.Money) []Threshold {
	return c.add(models.CostEntry{
		Turn: turn, Agent: agent, Model: model,
		TokensIn: tokensIn, TokensOut: tokensOut, USD: usd,
	})
}

// AddToolCost records one tool invocation's cost.
func (c *CostTracker) AddToolCost(turn int, agent, tool string, tokens int, usd models.Money) []Threshold {
	return c.add(models.CostEntry{
		Turn: turn, Agent: agent, Tool: tool,
		TokensIn: tokens, USD: usd,
	})
}

func (c *CostTracker) add(e models.CostEntry) []Threshold {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger = append(c.ledger, e)
	c.totals.Add(e)
	if c.tenantLg != nil {
		c.tenantLg.Add(c.tenant, e)
	}

	frac := c.fractionLocked()
	var fired []Threshold
	for _, t := range thresholds {
		if frac >= t.Fraction && !c.crossed[t.Kind] {
			c.crossed[t.Kind] = true
			fired = append(fired, t)
			if t.Kind == ThresholdHard {
				c.hard = true
			}
		}
	}
	return fired
}

// fractionLocked returns the highest consumed fraction across the token
// and dollar dimensions; either one can exhaust the budget.
func (c *CostTracker) fractionLocked() float64 {
	var tokenFrac, usdFrac float64
	if c.budget.MaxTokens > 0 {
		tokenFrac = float64(c.totals.Tokens()) / float64(c.budget.MaxTokens)
	}
	if c.budget.MaxUSD > 0 {
		usdFrac = float64(c.totals.USD) / float64(c.budget.MaxUSD)
	}
	if tokenFrac > usdFrac {
		return tokenFrac
	}
	return usdFrac
}

// Totals returns the accumulated totals.
func (c *CostTracker) Totals() models.CostTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Remaining returns the unconsumed token and dollar budget, floored at zero.
func (c *CostTracker) Remaining() (tokens int, usd models.Money) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens = c.budget.MaxTokens - c.totals.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	usd = c.budget.MaxUSD - c.totals.USD
	if usd < 0 {
		usd = 0
	}
	return tokens, usd
}

// RemainingFraction returns 1 − the consumed budget fraction, floored at zero.
func (c *CostTracker) RemainingFraction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := 1 - c.fractionLocked()
	if f < 0 {
		return 0
	}
	return f
}

// HardHit reports whether the 100% threshold has been crossed.
func (c *CostTracker) HardHit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hard
}

// AllowModelCall reports whether a new model call may start. Always false
// after the hard threshold.
func (c *CostTracker) AllowModelCall() bool { return !c.HardHit() }

// AllowToolCost reports whether a tool with the given maximum cost
// estimate may run: the estimate must fit the remaining budget, and no
// non-free call is admitted after the hard threshold.
func (c *CostTracker) AllowToolCost(tokens int, usd models.Money) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hard && (tokens > 0 || usd > 0) {
		return false
	}
	if c.budget.MaxTokens > 0 && c.totals.Tokens()+tokens > c.budget.MaxTokens {
		return false
	}
	if c.budget.MaxUSD > 0 && c.totals.USD+usd > c.budget.MaxUSD {
		return false
	}
	return true
}

// Budget returns the run budget the tracker enforces.
func (c *CostTracker) Budget() models.Budget { return c.budget }

// Ledger returns a copy of the ledger entries in append order.
func (c *CostTracker) Ledger() []models.CostEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CostEntry, len(c.ledger))
	copy(out, c.ledger)
	return out
}

// TenantLedger accumulates cost totals per tenant across runs.
type TenantLedger struct {
	mu     sync.RWMutex
	totals map[string]models.CostTotals
}

// NewTenantLedger creates an empty ledger.
func NewTenantLedger() *TenantLedger {
	return &TenantLedger{totals: make(map[string]models.CostTotals)}
}

// Add accumulates an entry for the tenant.
func (l *TenantLedger) Add(tenant string, e models.CostEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.totals[tenant]
	t.Add(e)
	l.totals[tenant] = t
}

// Totals returns the tenant's accumulated totals.
func (l *TenantLedger) Totals(tenant string) models.CostTotals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[tenant]
}
