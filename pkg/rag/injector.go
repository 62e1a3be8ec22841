package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// InjectRequest carries what the injector needs for one turn.
type InjectRequest struct {
	RunID string
	// LastUser and LastAssistant are the most recent messages of each
	// role; the query concatenates them with the speaker's role bias.
	LastUser      string
	LastAssistant string
	// AgentBias is the speaking agent's capability summary, steering
	// retrieval toward the speaker's specialty.
	AgentBias string
	Filters   map[string]string
	// Seen maps chunk hash → best score injected so far this run. The
	// injector updates it; the orchestrator owns it per run.
	Seen map[string]float64
	// MaxTokens caps the injected content for this turn
	// (rag_per_turn_max_tokens).
	MaxTokens int
}

// Result is the injection outcome for one turn. Err is a description,
// not a failure: retrieval errors never fail the turn.
type Result struct {
	Chunks    []Chunk
	Note      string
	CacheHit  bool
	LatencyMS int64
	Err       string
}

// Injector performs per-turn retrieval with thresholding, run-scoped
// deduplication, token budgeting, and query caching.
type Injector struct {
	retriever Retriever
	cache     *Cache
	est       *guard.Estimator
	cfg       config.RAGSettings
	clk       clock.Clock
}

// NewInjector creates an injector. retriever may be nil, in which case
// every injection returns an empty result.
func NewInjector(retriever Retriever, cfg config.RAGSettings, est *guard.Estimator, clk clock.Clock) *Injector {
	return &Injector{
		retriever: retriever,
		cache:     NewCache(cfg.CacheTTL.Std(), clk),
		est:       est,
		cfg:       cfg,
		clk:       clk,
	}
}

// Inject retrieves and filters context for the turn. Transient retriever
// errors are retried once; persistent errors surface in Result.Err and
// the turn proceeds without context.
func (i *Injector) Inject(ctx context.Context, req InjectRequest) Result {
	if i.retriever == nil {
		return Result{}
	}
	start := i.clk.Now()

	query := i.buildQuery(req)
	queryHash := hashQuery(query)

	chunks, cacheHit := i.cache.Get(req.RunID, queryHash)
	if !cacheHit {
		var err error
		chunks, err = i.retrieve(ctx, query, req.Filters)
		if err != nil {
			return Result{
				Err:       models.WrapError(models.ErrKindRetrieverError, err, "retrieval failed").Error(),
				LatencyMS: i.clk.Now().Sub(start).Milliseconds(),
			}
		}
		i.cache.Set(req.RunID, queryHash, chunks)
	}

	selected := i.selectChunks(chunks, req)
	return Result{
		Chunks:    selected,
		Note:      formatNote(selected),
		CacheHit:  cacheHit,
		LatencyMS: i.clk.Now().Sub(start).Milliseconds(),
	}
}

// CacheStats exposes the cache hit rate for observability.
func (i *Injector) CacheStats() (float64, int64) { return i.cache.HitRate() }

// ReleaseRun drops the run's cached retrievals once the run is done.
func (i *Injector) ReleaseRun(runID string) { i.cache.PurgeRun(runID) }

// buildQuery concatenates the last user message, the last assistant
// message, and the agent bias, truncated to the configured token budget.
func (i *Injector) buildQuery(req InjectRequest) string {
	parts := make([]string, 0, 3)
	if req.LastUser != "" {
		parts = append(parts, req.LastUser)
	}
	if req.LastAssistant != "" {
		parts = append(parts, req.LastAssistant)
	}
	if req.AgentBias != "" {
		parts = append(parts, req.AgentBias)
	}
	query := strings.Join(parts, "\n")
	return i.est.Truncate(query, i.cfg.QueryMaxTokens)
}

func (i *Injector) retrieve(ctx context.Context, query string, filters map[string]string) ([]Chunk, error) {
	var chunks []Chunk
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(func() error {
		var err error
		chunks, err = i.retriever.TopK(ctx, query, i.cfg.TopK, filters)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
	if err != nil {
		return nil, err
	}
	for idx := range chunks {
		if chunks[idx].Hash == "" {
			chunks[idx].Hash = HashContent(chunks[idx].Content)
		}
	}
	return chunks, nil
}

// selectChunks applies the score threshold, run-scoped dedup, and the
// per-turn token cap, in descending score order.
func (i *Injector) selectChunks(chunks []Chunk, req InjectRequest) []Chunk {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Score > sorted[b].Score })

	var selected []Chunk
	budget := req.MaxTokens
	for _, c := range sorted {
		if c.Score < i.threshold(c.Source) {
			continue
		}
		if best, seen := req.Seen[c.Hash]; seen && c.Score < best+i.cfg.RescoreDelta {
			// Already injected this run; re-admit only on a clear
			// score improvement.
			continue
		}
		cost := i.est.Tokens(c.Content)
		if budget > 0 && cost > budget {
			continue
		}
		selected = append(selected, c)
		if req.Seen != nil {
			req.Seen[c.Hash] = c.Score
		}
		if budget > 0 {
			budget -= cost
			if budget <= 0 {
				break
			}
		}
	}
	return selected
}

// threshold returns the per-provider score cut-off, falling back to the
// global one.
func (i *Injector) threshold(source string) float64 {
	if t, ok := i.cfg.ProviderThresholds[source]; ok {
		return t
	}
	return i.cfg.ScoreThreshold
}

// formatNote renders selected chunks as the turn's system note.
func formatNote(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Retrieved context for this turn:\n")
	for _, c := range chunks {
		b.WriteString("- [")
		b.WriteString(c.Source)
		b.WriteString("] ")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:8])
}
