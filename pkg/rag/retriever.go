// Package rag provides per-turn retrieval injection: the Retriever
// contract, a TTL query cache, and the Injector that builds the query,
// filters and deduplicates chunks, and enforces the per-turn token cap.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Chunk is one retrieval result. Score normalization is the Retriever
// implementation's responsibility; the injector applies the configured
// threshold (optionally per source label) on the normalized score.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Hash    string  `json:"hash"`
}

// Retriever looks up context chunks for a query. Implementations are
// injected at startup; vector and knowledge stores are external
// collaborators.
type Retriever interface {
	TopK(ctx context.Context, query string, k int, filters map[string]string) ([]Chunk, error)
}

// HashContent derives a chunk hash when the retriever does not supply
// one, so deduplication works across providers.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
