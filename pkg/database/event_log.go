package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/bus"
)

// EventLog persists bus events as an append-only JSONB log keyed by
// (run_id, seq). It implements bus.AuditSink.
type EventLog struct {
	db *sql.DB
}

var _ bus.AuditSink = (*EventLog)(nil)

// Write appends one event. Replays of the same (run_id, seq) are ignored
// so sink retries stay idempotent.
func (l *EventLog) Write(ctx context.Context, ev bus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, turn_index, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, seq) DO NOTHING`,
		ev.RunID, ev.Seq, ev.TurnIndex, string(ev.Type), payload, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

// LoggedEvent is a replayed event with its payload still in wire form.
// Payload types are only known to the producing side, so replay hands
// back raw JSON.
type LoggedEvent struct {
	RunID      string          `json:"run_id"`
	Seq        int64           `json:"seq"`
	TurnIndex  int             `json:"turn_index"`
	Type       bus.EventType   `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Replay returns a run's events in sequence order starting after
// afterSeq. Pass 0 to replay from the beginning.
func (l *EventLog) Replay(ctx context.Context, runID string, afterSeq int64) ([]LoggedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, seq, turn_index, event_type, payload, occurred_at
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to replay events for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var ev LoggedEvent
		var typ string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TurnIndex, &typ, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = bus.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
