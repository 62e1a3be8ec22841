package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/runner"
)

// ErrSummaryNotFound is returned when no summary exists for a run.
var ErrSummaryNotFound = errors.New("run summary not found")

// SummaryStore persists run summaries. It implements runner.SummaryStore
// with an upsert so a retried save after a partial failure stays safe.
type SummaryStore struct {
	db *sql.DB
}

var _ runner.SummaryStore = (*SummaryStore)(nil)

func (s *SummaryStore) SaveRunSummary(ctx context.Context, sum *models.RunSummary) error {
	plan, err := json.Marshal(sum.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan for run %s: %w", sum.RunID, err)
	}
	warnings, err := json.Marshal(sum.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings for run %s: %w", sum.RunID, err)
	}

	var completedAt any
	if !sum.CompletedAt.IsZero() {
		completedAt = sum.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_summaries (run_id, tenant_id, status, plan, tokens_in, tokens_out,
			cost_usd, message_count, summary, warnings, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			cost_usd = EXCLUDED.cost_usd,
			message_count = EXCLUDED.message_count,
			summary = EXCLUDED.summary,
			warnings = EXCLUDED.warnings,
			completed_at = EXCLUDED.completed_at`,
		sum.RunID, sum.TenantID, string(sum.Status), plan, sum.CostTotals.TokensIn,
		sum.CostTotals.TokensOut, int64(sum.CostTotals.USD), sum.MessageCount,
		sum.Summary, warnings, sum.CreatedAt.UTC(), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save summary for run %s: %w", sum.RunID, err)
	}
	return nil
}

// GetRunSummary loads a single run summary by run ID.
func (s *SummaryStore) GetRunSummary(ctx context.Context, runID string) (*models.RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, tenant_id, status, plan, tokens_in, tokens_out,
			cost_usd, message_count, summary, warnings, created_at, completed_at
		FROM run_summaries WHERE run_id = $1`, runID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSummaryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary for run %s: %w", runID, err)
	}
	return sum, nil
}

// ListRunSummaries returns a tenant's summaries, newest first.
func (s *SummaryStore) ListRunSummaries(ctx context.Context, tenantID string, limit int) ([]*models.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, tenant_id, status, plan, tokens_in, tokens_out,
			cost_usd, message_count, summary, warnings, created_at, completed_at
		FROM run_summaries WHERE tenant_id = $1
		ORDER BY created_at DESC, run_id LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []*models.RunSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*models.RunSummary, error) {
	var (
		sum         models.RunSummary
		status      string
		plan        []byte
		costUSD     int64
		summary     sql.NullString
		warnings    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&sum.RunID, &sum.TenantID, &status, &plan,
		&sum.CostTotals.TokensIn, &sum.CostTotals.TokensOut, &costUSD,
		&sum.MessageCount, &summary, &warnings, &sum.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	sum.Status = models.RunStatus(status)
	sum.CostTotals.USD = models.Money(costUSD)
	sum.Summary = summary.String
	if completedAt.Valid {
		sum.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal(plan, &sum.Plan); err != nil {
		return nil, fmt.Errorf("corrupt plan for run %s: %w", sum.RunID, err)
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &sum.Warnings); err != nil {
			return nil, fmt.Errorf("corrupt warnings for run %s: %w", sum.RunID, err)
		}
	}
	return &sum, nil
}
