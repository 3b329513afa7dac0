package claims

import (
	"context"
	"database/sql"
	"time"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// PostgresStore persists policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the policies table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policies (
			id BIGSERIAL PRIMARY KEY,
			holder_addr TEXT NOT NULL,
			asset TEXT NOT NULL,
			cover_amount NUMERIC(20,6) NOT NULL CHECK (cover_amount > 0),
			premium NUMERIC(20,6) NOT NULL CHECK (premium >= 0),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			kind SMALLINT NOT NULL,
			target_addr TEXT NOT NULL DEFAULT '',
			index_target TEXT NOT NULL DEFAULT '',
			index_asset TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			claim_amount TEXT NOT NULL DEFAULT '',
			claim_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_policies_holder ON policies(holder_addr, id DESC);
		CREATE INDEX IF NOT EXISTS idx_policies_pair ON policies(index_target, index_asset) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_policies_expiry ON policies(end_time) WHERE status = 'active';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, pol *Policy) error {
	idxTarget, idxAsset := pol.IndexPair()
	return p.db.QueryRowContext(ctx, `
		INSERT INTO policies (
			holder_addr, asset, cover_amount, premium,
			start_time, end_time, kind, target_addr,
			index_target, index_asset,
			status, claim_amount, claim_time, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(20,6), $4::NUMERIC(20,6),
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14, $15
		) RETURNING id`,
		pol.Holder, pol.Asset, pol.CoverAmount, pol.Premium,
		pol.StartTime, pol.EndTime, int(pol.Kind), pol.Target,
		idxTarget, idxAsset,
		string(pol.Status), pol.ClaimAmount, nullTime(pol.ClaimTime),
		pol.CreatedAt, pol.UpdatedAt,
	).Scan(&pol.ID)
}

const policyColumns = `id, holder_addr, asset, cover_amount, premium,
		       start_time, end_time, kind, target_addr,
		       status, claim_amount, claim_time, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)

	pol, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	return pol, err
}

func (p *PostgresStore) Update(ctx context.Context, pol *Policy) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE policies SET
			status = $1, claim_amount = $2, claim_time = $3, updated_at = $4
		WHERE id = $5`,
		string(pol.Status), pol.ClaimAmount, nullTime(pol.ClaimTime), pol.UpdatedAt,
		pol.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id uint64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) ListByHolder(ctx context.Context, holder string, limit int) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE holder_addr = $1
		ORDER BY id DESC
		LIMIT $2`, holder, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

func (p *PostgresStore) ListByPair(ctx context.Context, target, asset string, limit int) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE index_target = $1 AND index_asset = $2 AND status = 'active'
		ORDER BY id
		LIMIT $3`, target, asset, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE status = 'active'
		  AND end_time < $1
		ORDER BY id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(s scanner) (*Policy, error) {
	pol := &Policy{}
	var (
		kind      int
		status    string
		claimTime sql.NullTime
	)

	err := s.Scan(
		&pol.ID, &pol.Holder, &pol.Asset, &pol.CoverAmount, &pol.Premium,
		&pol.StartTime, &pol.EndTime, &kind, &pol.Target,
		&status, &pol.ClaimAmount, &claimTime, &pol.CreatedAt, &pol.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pol.Kind = peril.RiskKind(kind)
	pol.Status = Status(status)
	if claimTime.Valid {
		pol.ClaimTime = &claimTime.Time
	}

	return pol, nil
}

func scanPolicies(rows *sql.Rows) ([]*Policy, error) {
	var result []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pol)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
