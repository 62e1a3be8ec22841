package guard

import (
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// PricingTable converts model token usage into money. Prices come from
// the configured model table; unknown models cost nothing, which keeps
// accounting conservative only in the token dimension, so the table
// should cover every plannable model.
type PricingTable struct {
	models map[string]config.ModelSpec
}

// NewPricingTable builds a table from the configured model specs.
func NewPricingTable(specs []config.ModelSpec) *PricingTable {
	m := make(map[string]config.ModelSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &PricingTable{models: m}
}

// CostOf prices a call's reported or estimated usage.
func (p *PricingTable) CostOf(model string, tokensIn, tokensOut int) models.Money {
	spec, ok := p.models[model]
	if !ok {
		return 0
	}
	in := models.USD(spec.InputPerMTok * float64(tokensIn) / 1_000_000)
	out := models.USD(spec.OutputPerMTok * float64(tokensOut) / 1_000_000)
	return in + out
}

// Spec returns the model spec, for the decision engine's model choice.
func (p *PricingTable) Spec(model string) (config.ModelSpec, bool) {
	s, ok := p.models[model]
	return s, ok
}
