package riskscore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id              VARCHAR(36) PRIMARY KEY,
			subject         VARCHAR(42) NOT NULL,
			multiplier_pct  BIGINT NOT NULL CHECK (multiplier_pct >= 100 AND multiplier_pct <= 300),
			signal_count    INT NOT NULL DEFAULT 0,
			factors         JSONB NOT NULL DEFAULT '{}',
			evaluated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_subject
			ON risk_assessments (subject, evaluated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, subject, multiplier_pct, signal_count, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.Subject, a.MultiplierPct, a.SignalCount, factorsJSON, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, multiplier_pct, signal_count, factors, evaluated_at
		FROM risk_assessments
		WHERE subject = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON []byte
		if err := rows.Scan(&a.ID, &a.Subject, &a.MultiplierPct, &a.SignalCount, &factorsJSON, &a.EvaluatedAt); err != nil {
			continue
		}
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, nil
}
