package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// CreateSearchIndexes creates PostgreSQL-specific indexes kept out of the
// plain migration SQL so the core schema stays portable. GIN indexes
// enable full-text search over run summaries and containment queries
// over event payloads.
func CreateSearchIndexes(ctx context.Context, db *sql.DB) error {
	// GIN index for summary full-text search
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_summary_gin
		ON run_summaries USING gin(to_tsvector('english', COALESCE(summary, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create summary GIN index: %w", err)
	}

	// GIN index for event payload containment queries (@>)
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_run_events_payload_gin
		ON run_events USING gin(payload jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create event payload GIN index: %w", err)
	}

	return nil
}
