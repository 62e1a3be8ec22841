// Package guard holds the cost and availability guards shared by the
// orchestrator and the tool executor: token estimation, pricing, the
// per-run cost tracker with budget thresholds, circuit breakers, and the
// per-tenant rate limiter.
package guard

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens deterministically. It is used whenever the
// provider does not report usage, and for every token cap: prompt
// pruning, scratchpad summarization, RAG budgets, and query truncation.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an estimator. The encoding loads lazily on first use.
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) load() {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Heuristic fallback keeps estimation deterministic when the
		// encoding data is unavailable (offline environments).
		slog.Warn("token encoding unavailable, using len/4 heuristic", "error", err)
		return
	}
	e.enc = enc
}

// Tokens returns the token count of the text.
func (e *Estimator) Tokens(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(e.load)
	if e.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Truncate cuts the text down to at most maxTokens tokens. The heuristic
// path truncates by the equivalent byte budget.
func (e *Estimator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	e.once.Do(e.load)
	if e.enc == nil {
		limit := maxTokens * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}
	ids := e.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return e.enc.Decode(ids[:maxTokens])
}
