//go:build integration

package pool

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM capital_entries")
		db.ExecContext(ctx, "DELETE FROM provider_stakes")
		db.ExecContext(ctx, "DELETE FROM capital_pools")
		db.Close()
	}

	return store, cleanup
}

func testPool(asset string, ratio int64) *Pool {
	now := time.Now()
	return &Pool{
		Asset:              asset,
		TotalCapital:       "0",
		AllocatedCapital:   "0",
		MinCapitalRatioPct: ratio,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPostgres_DepositWithdraw(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	asset := "0xaaaa000000000000000000000000000000000001"
	provider := "0xbbbb000000000000000000000000000000000001"

	if err := store.CreatePool(ctx, testPool(asset, 120)); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := store.CreatePool(ctx, testPool(asset, 120)); !errors.Is(err, ErrPoolExists) {
		t.Errorf("expected ErrPoolExists, got %v", err)
	}

	if err := store.Deposit(ctx, asset, provider, "1000.000000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	stake, err := store.ProviderStake(ctx, asset, provider)
	if err != nil {
		t.Fatalf("ProviderStake failed: %v", err)
	}
	if stake != "1000.000000" {
		t.Errorf("expected stake 1000.000000, got %s", stake)
	}

	if err := store.Withdraw(ctx, asset, provider, "2000"); !errors.Is(err, ErrInsufficientStake) {
		t.Errorf("expected ErrInsufficientStake, got %v", err)
	}
	if err := store.Withdraw(ctx, asset, provider, "400"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
}

func TestPostgres_SolvencyGuards(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	asset := "0xaaaa000000000000000000000000000000000002"
	provider := "0xbbbb000000000000000000000000000000000002"

	if err := store.CreatePool(ctx, testPool(asset, 120)); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := store.Deposit(ctx, asset, provider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := store.Reserve(ctx, asset, "500", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// 1000 total, 500 allocated at 120% means a 600 floor
	if err := store.Withdraw(ctx, asset, provider, "401"); !errors.Is(err, ErrSolvencyBreach) {
		t.Errorf("expected ErrSolvencyBreach, got %v", err)
	}
	if err := store.Withdraw(ctx, asset, provider, "400"); err != nil {
		t.Fatalf("Withdraw at boundary failed: %v", err)
	}

	if err := store.Reserve(ctx, asset, "200", "policy:2"); !errors.Is(err, ErrInsufficientCapital) {
		t.Errorf("expected ErrInsufficientCapital, got %v", err)
	}
	if err := store.Payout(ctx, asset, provider, "500", "policy:1"); err != nil {
		t.Fatalf("Payout failed: %v", err)
	}

	pool, err := store.GetPool(ctx, asset)
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if pool.TotalCapital != "100.000000" || pool.AllocatedCapital != "0.000000" {
		t.Errorf("unexpected balances: total=%s allocated=%s", pool.TotalCapital, pool.AllocatedCapital)
	}
}

func TestPostgres_History(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	asset := "0xaaaa000000000000000000000000000000000003"
	provider := "0xbbbb000000000000000000000000000000000003"

	if err := store.CreatePool(ctx, testPool(asset, 120)); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := store.Deposit(ctx, asset, provider, "100"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := store.CreditPremium(ctx, asset, "1.25", "policy:9"); err != nil {
		t.Fatalf("CreditPremium failed: %v", err)
	}

	entries, err := store.History(ctx, asset, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "premium" {
		t.Errorf("expected newest entry premium, got %s", entries[0].Type)
	}
}
