package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// ApprovalStore is the PostgreSQL-backed approval.Store. Decisions use a
// compare-and-set on status so concurrent deciders cannot overwrite a
// terminal record.
type ApprovalStore struct {
	db *sql.DB
}

var _ approval.Store = (*ApprovalStore)(nil)

const approvalColumns = `id, run_id, turn_index, requester_agent, action, payload,
	risk_level, status, created_at, expires_at, decided_at, decision_reason, decider_id`

func (s *ApprovalStore) Create(ctx context.Context, a *models.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.RunID, a.TurnIndex, a.RequesterAgent, a.Action, a.Payload,
		string(a.RiskLevel), string(a.Status), a.CreatedAt.UTC(), a.ExpiresAt.UTC(),
		nullableTime(a.DecidedAt), a.DecisionReason, a.DeciderID)
	if err != nil {
		return fmt.Errorf("failed to insert approval %s: %w", a.ID, err)
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval %s: %w", id, err)
	}
	return a, nil
}

func (s *ApprovalStore) Decide(ctx context.Context, id string, status models.ApprovalStatus, reason, deciderID string, at time.Time) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE approvals
		SET status = $2, decision_reason = $3, decider_id = $4, decided_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+approvalColumns,
		id, string(status), reason, deciderID, at.UTC())
	a, err := scanApproval(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to decide approval %s: %w", id, err)
	}

	// Either missing or already decided. Re-read to tell the two apart.
	stored, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return stored, approval.ErrAlreadyDecided
}

func (s *ApprovalStore) List(ctx context.Context, filter models.ApprovalFilter) ([]*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	args := []any{}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ApprovalStore) ExpireBefore(ctx context.Context, now time.Time) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE approvals
		SET status = 'expired', decision_reason = $2, decided_at = $1
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+approvalColumns,
		now.UTC(), models.ExpiredReason)
	if err != nil {
		return nil, fmt.Errorf("failed to expire approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		a         models.Approval
		risk      string
		status    string
		payload   []byte
		decidedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RunID, &a.TurnIndex, &a.RequesterAgent, &a.Action,
		&payload, &risk, &status, &a.CreatedAt, &a.ExpiresAt,
		&decidedAt, &a.DecisionReason, &a.DeciderID)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	a.RiskLevel = models.RiskTier(risk)
	a.Status = models.ApprovalStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
