package models

import (
	"fmt"
	"math"
)

// Money is a non-negative USD amount in micro-dollars (6 fixed decimals).
// Ledger arithmetic stays in integers; floats appear only at the edges.
type Money int64

const microPerUSD = 1_000_000

// USD converts a float dollar amount to Money, rounding half away from zero.
func USD(f float64) Money {
	return Money(math.Round(f * microPerUSD))
}

// Dollars returns the amount as a float, for display and ratio math only.
func (m Money) Dollars() float64 { return float64(m) / microPerUSD }

// String formats the amount as a fixed 6-decimal dollar string.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/microPerUSD, v%microPerUSD)
}

// CostEntry is one cost ledger delta, appended per model or tool call.
type CostEntry struct {
	Turn      int    `json:"turn"`
	Agent     string `json:"agent"`
	Model     string `json:"model,omitempty"`
	Tool      string `json:"tool,omitempty"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	USD       Money  `json:"usd"`
}

// CostTotals is the monotonically accumulated sum of a cost ledger.
type CostTotals struct {
	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	USD       Money `json:"usd"`
}

// Tokens returns the combined input and output token count.
func (t CostTotals) Tokens() int { return t.TokensIn + t.TokensOut }

// Add accumulates a ledger entry into the totals.
func (t *CostTotals) Add(e CostEntry) {
	t.TokensIn += e.TokensIn
	t.TokensOut += e.TokensOut
	t.USD += e.USD
}
