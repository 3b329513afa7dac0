package pool

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), slog.Default())
}

func mustCreate(t *testing.T, s *Service, asset string, ratio int64) {
	t.Helper()
	if _, err := s.Create(context.Background(), asset, ratio); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

const (
	testAsset    = "0x1111111111111111111111111111111111111111"
	testProvider = "0x2222222222222222222222222222222222222222"
	testOther    = "0x3333333333333333333333333333333333333333"
)

func TestCreatePool(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	p, err := s.Create(ctx, testAsset, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.MinCapitalRatioPct != DefaultMinCapitalRatioPct {
		t.Errorf("expected default ratio %d, got %d", DefaultMinCapitalRatioPct, p.MinCapitalRatioPct)
	}
	if !p.Active {
		t.Error("new pool should be active")
	}

	if _, err := s.Create(ctx, testAsset, 0); !errors.Is(err, ErrPoolExists) {
		t.Errorf("expected ErrPoolExists, got %v", err)
	}

	if _, err := s.Create(ctx, testOther, 90); err == nil {
		t.Error("expected error for ratio below 100")
	}
}

func TestDepositAndStake(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000.50"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Deposit(ctx, testAsset, testProvider, "499.50"); err != nil {
		t.Fatalf("second Deposit failed: %v", err)
	}

	p, err := s.Get(ctx, testAsset)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.TotalCapital != "1500" {
		t.Errorf("expected total 1500, got %s", p.TotalCapital)
	}

	stake, err := s.ProviderStake(ctx, testAsset, testProvider)
	if err != nil {
		t.Fatalf("ProviderStake failed: %v", err)
	}
	if stake != "1500" {
		t.Errorf("expected stake 1500, got %s", stake)
	}

	// unknown provider has zero stake
	stake, err = s.ProviderStake(ctx, testAsset, testOther)
	if err != nil {
		t.Fatalf("ProviderStake failed: %v", err)
	}
	if stake != "0" {
		t.Errorf("expected zero stake, got %s", stake)
	}
}

func TestDepositValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "-5"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := s.Deposit(ctx, testAsset, testProvider, "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := s.Deposit(ctx, testOther, testProvider, "10"); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestDepositInactivePool(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.SetActive(ctx, testAsset, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if err := s.Deposit(ctx, testAsset, testProvider, "100"); !errors.Is(err, ErrPoolInactive) {
		t.Errorf("expected ErrPoolInactive, got %v", err)
	}
}

func TestWithdrawStakeLimit(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "100"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Deposit(ctx, testAsset, testOther, "900"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// provider cannot withdraw more than their own stake even though the
	// pool holds enough
	if err := s.Withdraw(ctx, testAsset, testProvider, "101"); !errors.Is(err, ErrInsufficientStake) {
		t.Errorf("expected ErrInsufficientStake, got %v", err)
	}
	if err := s.Withdraw(ctx, testAsset, testProvider, "100"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	p, _ := s.Get(ctx, testAsset)
	if p.TotalCapital != "900" {
		t.Errorf("expected total 900, got %s", p.TotalCapital)
	}
}

func TestWithdrawSolvencyRatio(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 120)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	alloc := s.Allocator()
	if err := alloc.Reserve(ctx, testAsset, "500", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// 1000 total, 500 allocated, ratio 120% -> floor is 600 total.
	// Withdrawing 401 would leave 599.
	if err := s.Withdraw(ctx, testAsset, testProvider, "401"); !errors.Is(err, ErrSolvencyBreach) {
		t.Errorf("expected ErrSolvencyBreach, got %v", err)
	}

	// Withdrawing 400 leaves exactly 600, which satisfies the ratio.
	if err := s.Withdraw(ctx, testAsset, testProvider, "400"); err != nil {
		t.Fatalf("Withdraw at ratio boundary failed: %v", err)
	}

	p, _ := s.Get(ctx, testAsset)
	if p.TotalCapital != "600" {
		t.Errorf("expected total 600, got %s", p.TotalCapital)
	}
}

func TestWithdrawAllocatedFloor(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 100)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Allocator().Reserve(ctx, testAsset, "800", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// free capital is 200; at ratio 100 the allocated floor binds first
	if err := s.Withdraw(ctx, testAsset, testProvider, "300"); err == nil {
		t.Error("expected withdrawal above free capital to fail")
	}
	if err := s.Withdraw(ctx, testAsset, testProvider, "200"); err != nil {
		t.Fatalf("Withdraw of free capital failed: %v", err)
	}
}

func TestReserveReleasePayout(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	alloc := s.Allocator()

	if err := alloc.Reserve(ctx, testAsset, "1001", "policy:1"); !errors.Is(err, ErrInsufficientCapital) {
		t.Errorf("expected ErrInsufficientCapital, got %v", err)
	}
	if err := alloc.Reserve(ctx, testAsset, "600", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	free, err := alloc.FreeCapital(ctx, testAsset)
	if err != nil {
		t.Fatalf("FreeCapital failed: %v", err)
	}
	if free.String() != "400000000" { // 400 tokens in base units
		t.Errorf("expected free capital 400000000, got %s", free)
	}

	// release part of the reservation (policy expired)
	if err := alloc.Release(ctx, testAsset, "100", "policy:1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// pay out the rest (claim settled)
	if err := alloc.Payout(ctx, testAsset, testOther, "500", "policy:1"); err != nil {
		t.Fatalf("Payout failed: %v", err)
	}

	p, _ := s.Get(ctx, testAsset)
	if p.TotalCapital != "500" {
		t.Errorf("expected total 500, got %s", p.TotalCapital)
	}
	if p.AllocatedCapital != "0" {
		t.Errorf("expected allocated 0, got %s", p.AllocatedCapital)
	}
}

func TestPayoutExceedsAllocation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	alloc := s.Allocator()
	if err := alloc.Reserve(ctx, testAsset, "100", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := alloc.Payout(ctx, testAsset, testOther, "200", "policy:1"); !errors.Is(err, ErrInsufficientCapital) {
		t.Errorf("expected ErrInsufficientCapital, got %v", err)
	}
}

func TestCreditPremium(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "100"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Allocator().CreditPremium(ctx, testAsset, "2.5", "policy:7"); err != nil {
		t.Fatalf("CreditPremium failed: %v", err)
	}

	p, _ := s.Get(ctx, testAsset)
	if p.TotalCapital != "102.5" {
		t.Errorf("expected total 102.5, got %s", p.TotalCapital)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 150)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Allocator().Reserve(ctx, testAsset, "600", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// bypasses the 150% ratio but never dips into allocated capital
	if err := s.EmergencyWithdraw(ctx, testAsset, testOther, "400"); err != nil {
		t.Fatalf("EmergencyWithdraw failed: %v", err)
	}
	if err := s.EmergencyWithdraw(ctx, testAsset, testOther, "1"); !errors.Is(err, ErrInsufficientCapital) {
		t.Errorf("expected ErrInsufficientCapital once only allocated capital remains, got %v", err)
	}

	p, _ := s.Get(ctx, testAsset)
	if p.TotalCapital != "600" || p.AllocatedCapital != "600" {
		t.Errorf("expected 600/600, got %s/%s", p.TotalCapital, p.AllocatedCapital)
	}
}

func TestAllocatorActive(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	alloc := s.Allocator()
	active, err := alloc.Active(ctx, testAsset)
	if err != nil {
		t.Fatalf("Active on missing pool errored: %v", err)
	}
	if active {
		t.Error("missing pool should report inactive")
	}

	mustCreate(t, s, testAsset, 0)
	active, err = alloc.Active(ctx, testAsset)
	if err != nil || !active {
		t.Errorf("expected active pool, got active=%v err=%v", active, err)
	}
}

func TestHistoryJournal(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	mustCreate(t, s, testAsset, 0)

	if err := s.Deposit(ctx, testAsset, testProvider, "1000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	alloc := s.Allocator()
	if err := alloc.Reserve(ctx, testAsset, "500", "policy:1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := alloc.Payout(ctx, testAsset, testOther, "500", "policy:1"); err != nil {
		t.Fatalf("Payout failed: %v", err)
	}

	entries, err := s.History(ctx, testAsset, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// newest first
	if entries[0].Type != "payout" || entries[1].Type != "reserve" || entries[2].Type != "deposit" {
		t.Errorf("unexpected journal order: %s, %s, %s", entries[0].Type, entries[1].Type, entries[2].Type)
	}
	if entries[0].Reference != "policy:1" {
		t.Errorf("expected payout reference policy:1, got %s", entries[0].Reference)
	}
}
