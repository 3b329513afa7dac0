package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/parashield-protocol/parashield/internal/idgen"
	"github.com/parashield-protocol/parashield/internal/money"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pool store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the capital pool tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS capital_pools (
			asset           VARCHAR(42) PRIMARY KEY,
			total_capital   NUMERIC(30,6) NOT NULL DEFAULT 0,
			allocated       NUMERIC(30,6) NOT NULL DEFAULT 0,
			min_ratio_pct   BIGINT NOT NULL DEFAULT 120,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_total_nonneg     CHECK (total_capital >= 0),
			CONSTRAINT chk_allocated_nonneg CHECK (allocated >= 0),
			CONSTRAINT chk_allocated_backed CHECK (allocated <= total_capital)
		);

		CREATE TABLE IF NOT EXISTS provider_stakes (
			asset           VARCHAR(42) NOT NULL,
			provider        VARCHAR(42) NOT NULL,
			amount          NUMERIC(30,6) NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (asset, provider),
			CONSTRAINT chk_stake_nonneg CHECK (amount >= 0)
		);

		CREATE TABLE IF NOT EXISTS capital_entries (
			id              VARCHAR(36) PRIMARY KEY,
			asset           VARCHAR(42) NOT NULL,
			type            VARCHAR(24) NOT NULL,
			amount          NUMERIC(30,6) NOT NULL,
			account         VARCHAR(66),
			reference       VARCHAR(255),
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_capital_asset ON capital_entries(asset);
		CREATE INDEX IF NOT EXISTS idx_capital_created ON capital_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreatePool(ctx context.Context, pool *Pool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO capital_pools (asset, total_capital, allocated, min_ratio_pct, active, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(30,6), $3::NUMERIC(30,6), $4, $5, $6, $6)
	`, pool.Asset, pool.TotalCapital, pool.AllocatedCapital, pool.MinCapitalRatioPct, pool.Active, pool.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrPoolExists
	}
	return err
}

func (p *PostgresStore) GetPool(ctx context.Context, asset string) (*Pool, error) {
	pool := &Pool{}
	err := p.db.QueryRowContext(ctx, `
		SELECT asset, total_capital, allocated, min_ratio_pct, active, created_at, updated_at
		FROM capital_pools WHERE asset = $1
	`, asset).Scan(&pool.Asset, &pool.TotalCapital, &pool.AllocatedCapital,
		&pool.MinCapitalRatioPct, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *PostgresStore) ListPools(ctx context.Context) ([]*Pool, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, total_capital, allocated, min_ratio_pct, active, created_at, updated_at
		FROM capital_pools ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		pool := &Pool{}
		if err := rows.Scan(&pool.Asset, &pool.TotalCapital, &pool.AllocatedCapital,
			&pool.MinCapitalRatioPct, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt); err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

func (p *PostgresStore) SetActive(ctx context.Context, asset string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE capital_pools SET active = $2, updated_at = NOW() WHERE asset = $1
	`, asset, active)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPoolNotFound
	}
	return nil
}

func (p *PostgresStore) SetMinRatio(ctx context.Context, asset string, pct int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE capital_pools SET min_ratio_pct = $2, updated_at = NOW() WHERE asset = $1
	`, asset, pct)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// Deposit atomically adds provider capital to the pool and its stake.
func (p *PostgresStore) Deposit(ctx context.Context, asset, provider, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			total_capital = total_capital + $2::NUMERIC(30,6),
			updated_at    = NOW()
		WHERE asset = $1
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPoolNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_stakes (asset, provider, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(30,6), NOW())
		ON CONFLICT (asset, provider) DO UPDATE SET
			amount     = provider_stakes.amount + $3::NUMERIC(30,6),
			updated_at = NOW()
	`, asset, provider, amount)
	if err != nil {
		return fmt.Errorf("failed to update stake: %w", err)
	}

	if err := p.recordEntry(ctx, tx, asset, "deposit", amount, provider, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Withdraw atomically removes provider capital, enforcing the stake limit,
// free-capital floor, and the pool's minimum solvency ratio.
func (p *PostgresStore) Withdraw(ctx context.Context, asset, provider, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Stake first; CHECK constraint rejects overdraw.
	result, err := tx.ExecContext(ctx, `
		UPDATE provider_stakes SET
			amount     = amount - $3::NUMERIC(30,6),
			updated_at = NOW()
		WHERE asset = $1 AND provider = $2
	`, asset, provider, amount)
	if err != nil {
		return ErrInsufficientStake
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientStake
	}

	// Guarded debit: the WHERE clause enforces both the allocated floor and
	// the minimum ratio in one atomic step.
	result, err = tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			total_capital = total_capital - $2::NUMERIC(30,6),
			updated_at    = NOW()
		WHERE asset = $1
		  AND total_capital - $2::NUMERIC(30,6) >= allocated
		  AND (allocated = 0 OR
		       (total_capital - $2::NUMERIC(30,6)) * 100 >= allocated * min_ratio_pct)
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	rows, _ = result.RowsAffected()
	if rows == 0 {
		return p.withdrawFailure(ctx, tx, asset, amount)
	}

	if err := p.recordEntry(ctx, tx, asset, "withdrawal", amount, provider, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// withdrawFailure classifies a guarded-update miss into the right sentinel.
func (p *PostgresStore) withdrawFailure(ctx context.Context, tx *sql.Tx, asset, amount string) error {
	var exists bool
	var breached bool
	err := tx.QueryRowContext(ctx, `
		SELECT TRUE,
		       total_capital - $2::NUMERIC(30,6) >= allocated
		FROM capital_pools WHERE asset = $1
	`, asset, amount).Scan(&exists, &breached)
	if err == sql.ErrNoRows {
		return ErrPoolNotFound
	}
	if err != nil {
		return err
	}
	if !breached {
		return ErrInsufficientCapital
	}
	return ErrSolvencyBreach
}

func (p *PostgresStore) ProviderStake(ctx context.Context, asset, provider string) (string, error) {
	var amount string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM provider_stakes WHERE asset = $1 AND provider = $2
	`, asset, provider).Scan(&amount)
	if err == sql.ErrNoRows {
		if _, perr := p.GetPool(ctx, asset); perr != nil {
			return "", perr
		}
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return amount, nil
}

// Reserve earmarks free capital against a policy; the allocated <= total
// CHECK constraint is the backstop, the guarded WHERE the primary gate.
func (p *PostgresStore) Reserve(ctx context.Context, asset, amount, reference string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			allocated  = allocated + $2::NUMERIC(30,6),
			updated_at = NOW()
		WHERE asset = $1 AND allocated + $2::NUMERIC(30,6) <= total_capital
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to reserve capital: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, perr := p.GetPool(ctx, asset); perr != nil {
			return perr
		}
		return ErrInsufficientCapital
	}

	if err := p.recordEntry(ctx, tx, asset, "reserve", amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Release(ctx context.Context, asset, amount, reference string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			allocated  = allocated - $2::NUMERIC(30,6),
			updated_at = NOW()
		WHERE asset = $1 AND allocated >= $2::NUMERIC(30,6)
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to release capital: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, perr := p.GetPool(ctx, asset); perr != nil {
			return perr
		}
		return ErrInvalidAmount
	}

	if err := p.recordEntry(ctx, tx, asset, "release", amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Payout debits both total and allocated capital for a settled claim.
func (p *PostgresStore) Payout(ctx context.Context, asset, recipient, amount, reference string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			total_capital = total_capital - $2::NUMERIC(30,6),
			allocated     = allocated     - $2::NUMERIC(30,6),
			updated_at    = NOW()
		WHERE asset = $1 AND allocated >= $2::NUMERIC(30,6)
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to execute payout: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, perr := p.GetPool(ctx, asset); perr != nil {
			return perr
		}
		return ErrInsufficientCapital
	}

	if err := p.recordEntry(ctx, tx, asset, "payout", amount, recipient, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreditPremium(ctx context.Context, asset, amount, reference string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			total_capital = total_capital + $2::NUMERIC(30,6),
			updated_at    = NOW()
		WHERE asset = $1
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to credit premium: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPoolNotFound
	}

	if err := p.recordEntry(ctx, tx, asset, "premium", amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// EmergencyWithdraw debits total capital without the ratio check; allocated
// capital must still remain fully backed.
func (p *PostgresStore) EmergencyWithdraw(ctx context.Context, asset, recipient, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE capital_pools SET
			total_capital = total_capital - $2::NUMERIC(30,6),
			updated_at    = NOW()
		WHERE asset = $1 AND total_capital - $2::NUMERIC(30,6) >= allocated
	`, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to execute emergency withdrawal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, perr := p.GetPool(ctx, asset); perr != nil {
			return perr
		}
		return ErrInsufficientCapital
	}

	if err := p.recordEntry(ctx, tx, asset, "emergency_withdrawal", amount, recipient, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, asset string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, asset, type, amount, account, reference, created_at
		FROM capital_entries
		WHERE asset = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, asset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var account, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.Asset, &e.Type, &e.Amount, &account, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Account = account.String
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) recordEntry(ctx context.Context, tx *sql.Tx, asset, entryType, amount, account, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capital_entries (id, asset, type, amount, account, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(30,6), $5, $6, $7)
	`, idgen.WithPrefix("cap_"), asset, entryType, amount, account, reference, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
