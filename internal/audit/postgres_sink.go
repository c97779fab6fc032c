package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresSink persists audit events in the audit_events table. Batches
// arrive from the trail writer already sized, so each call is one
// multi-row INSERT.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed audit sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit_events table if it doesn't exist. Normal
// deployments run cmd/migrate instead; this exists for test databases.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			event_id   VARCHAR(64) PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			agent_id   VARCHAR(256) NOT NULL DEFAULT '',
			action     VARCHAR(256) NOT NULL DEFAULT '',
			outcome    VARCHAR(64) NOT NULL DEFAULT '',
			detail     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_type
			ON audit_events (event_type, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_audit_events_agent
			ON audit_events (agent_id, created_at DESC);
	`)
	return err
}

func (s *PostgresSink) WriteEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	var (
		placeholders []string
		args         []any
	)
	for i, ev := range events {
		detail, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", ev.ID, err)
		}
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, ev.ID, ev.Type, ev.AgentID, ev.Action, ev.Outcome, detail, ev.Timestamp)
	}

	query := `
		INSERT INTO audit_events
			(event_id, event_type, agent_id, action, outcome, detail, created_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (event_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write audit events: %w", err)
	}
	return nil
}

// CountByType reports stored event counts per type, for reconciliation
// checks and tests.
func (s *PostgresSink) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type
	`)
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
