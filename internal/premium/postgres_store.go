package premium

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed parameter store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pricing tables. Factors are stored as a kind-tagged
// JSONB blob so each risk kind keeps its own shape.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_parameters (
			kind           SMALLINT NOT NULL,
			subject        VARCHAR(42) NOT NULL,
			base_rate_bps  BIGINT NOT NULL,
			factors        JSONB NOT NULL,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (kind, subject)
		);

		CREATE TABLE IF NOT EXISTS pricing_global (
			id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			config     JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) GetParams(ctx context.Context, kind peril.RiskKind, subject string) (*ParamSet, error) {
	ps := &ParamSet{}
	var kindRaw int16
	var factorsRaw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT kind, subject, base_rate_bps, factors, active, updated_at
		FROM risk_parameters WHERE kind = $1 AND subject = $2
	`, int16(kind), subject).Scan(&kindRaw, &ps.Subject, &ps.BaseRateBps, &factorsRaw, &ps.Active, &ps.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrParamsNotFound
	}
	if err != nil {
		return nil, err
	}

	ps.Kind = peril.RiskKind(kindRaw)
	ps.Factors, err = DecodeFactors(ps.Kind, factorsRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode factors: %w", err)
	}
	return ps, nil
}

func (p *PostgresStore) UpsertParams(ctx context.Context, ps *ParamSet) error {
	factorsRaw, err := EncodeFactors(ps.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode factors: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_parameters (kind, subject, base_rate_bps, factors, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, subject) DO UPDATE SET
			base_rate_bps = EXCLUDED.base_rate_bps,
			factors       = EXCLUDED.factors,
			active        = EXCLUDED.active,
			updated_at    = EXCLUDED.updated_at
	`, int16(ps.Kind), ps.Subject, ps.BaseRateBps, factorsRaw, ps.Active, ps.UpdatedAt)
	return err
}

func (p *PostgresStore) SetParamsActive(ctx context.Context, kind peril.RiskKind, subject string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE risk_parameters SET active = $3, updated_at = NOW()
		WHERE kind = $1 AND subject = $2
	`, int16(kind), subject, active)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrParamsNotFound
	}
	return nil
}

func (p *PostgresStore) ListParams(ctx context.Context) ([]*ParamSet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, subject, base_rate_bps, factors, active, updated_at
		FROM risk_parameters ORDER BY kind, subject
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ParamSet
	for rows.Next() {
		ps := &ParamSet{}
		var kindRaw int16
		var factorsRaw []byte
		if err := rows.Scan(&kindRaw, &ps.Subject, &ps.BaseRateBps, &factorsRaw, &ps.Active, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		ps.Kind = peril.RiskKind(kindRaw)
		ps.Factors, err = DecodeFactors(ps.Kind, factorsRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode factors: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetGlobal(ctx context.Context) (GlobalConfig, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT config FROM pricing_global WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return DefaultGlobalConfig(), nil
	}
	if err != nil {
		return GlobalConfig{}, err
	}

	var g GlobalConfig
	if err := json.Unmarshal(raw, &g); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to decode global config: %w", err)
	}
	return g, nil
}

func (p *PostgresStore) SetGlobal(ctx context.Context, g GlobalConfig) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pricing_global (id, config, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET config = $1, updated_at = NOW()
	`, raw)
	return err
}
