package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist. Normal
// deployments run cmd/migrate instead; this exists for test databases.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			risk_id         VARCHAR(64) PRIMARY KEY,
			transaction_id  VARCHAR(64) NOT NULL,
			actor_id        VARCHAR(64) NOT NULL DEFAULT '',
			risk_level      VARCHAR(10) NOT NULL CHECK (risk_level IN ('low', 'medium', 'high', 'critical')),
			factors         JSONB NOT NULL DEFAULT '{}',
			recommendations JSONB NOT NULL DEFAULT '[]',
			requires_review BOOLEAN NOT NULL DEFAULT FALSE,
			analyzed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_actor
			ON risk_assessments (actor_id, analyzed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_review
			ON risk_assessments (analyzed_at DESC) WHERE requires_review;
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	recsJSON, err := json.Marshal(a.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(risk_id, transaction_id, actor_id, risk_level, factors, recommendations, requires_review, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (risk_id) DO NOTHING
	`,
		a.RiskID,
		a.TransactionID,
		a.ActorID,
		a.Level.String(),
		factorsJSON,
		recsJSON,
		a.RequiresReview,
		a.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_id, transaction_id, actor_id, risk_level, factors, recommendations, requires_review, analyzed_at
		FROM risk_assessments
		WHERE actor_id = $1
		ORDER BY analyzed_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a          Assessment
			level      string
			factors    []byte
			recs       []byte
			analyzedAt time.Time
		)
		if err := rows.Scan(&a.RiskID, &a.TransactionID, &a.ActorID, &level, &factors, &recs, &a.RequiresReview, &analyzedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		a.Level, _ = ParseLevel(level)
		a.AnalyzedAt = analyzedAt
		_ = json.Unmarshal(factors, &a.Factors)
		_ = json.Unmarshal(recs, &a.Recommendations)
		result = append(result, &a)
	}
	return result, rows.Err()
}
