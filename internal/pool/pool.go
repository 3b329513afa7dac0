// Package pool owns per-asset capital accounting.
//
// A pool backs policies written against its asset: deposits raise total
// capital, purchases reserve (allocate) capital, settlements pay out, and
// expiries/cancellations release reservations. The pool is the single
// source of truth for capital figures; the claims engine mutates it only
// through the Allocator handle, and every store operation re-validates the
// solvency invariants independently of the caller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/parashield-protocol/parashield/internal/metrics"
	"github.com/parashield-protocol/parashield/internal/money"
)

var (
	ErrPoolNotFound        = errors.New("pool: not found")
	ErrPoolExists          = errors.New("pool: already exists")
	ErrPoolInactive        = errors.New("pool: inactive")
	ErrInvalidAmount       = errors.New("pool: invalid amount")
	ErrInsufficientCapital = errors.New("pool: insufficient free capital")
	ErrSolvencyBreach      = errors.New("pool: withdrawal would breach min capital ratio")
	ErrInsufficientStake   = errors.New("pool: amount exceeds provider stake")
)

// DefaultMinCapitalRatioPct requires total capital to stay at or above
// 120% of allocated capital after any withdrawal.
const DefaultMinCapitalRatioPct = 120

// Pool is one per-asset capital account.
type Pool struct {
	Asset              string    `json:"asset"`
	TotalCapital       string    `json:"totalCapital"`
	AllocatedCapital   string    `json:"allocatedCapital"`
	MinCapitalRatioPct int64     `json:"minCapitalRatioPct"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// FreeCapital returns total minus allocated capital in base units.
func (p *Pool) FreeCapital() *big.Int {
	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	return new(big.Int).Sub(total, allocated)
}

// Entry is one row of the capital journal.
type Entry struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	Type      string    `json:"type"` // deposit, withdrawal, reserve, release, payout, premium, emergency_withdrawal
	Amount    string    `json:"amount"`
	Account   string    `json:"account,omitempty"`   // provider or recipient address
	Reference string    `json:"reference,omitempty"` // policy ID, signal ID, etc.
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists pool state. Semantic operations are atomic and re-validate
// the capital invariants regardless of what the caller already checked.
type Store interface {
	CreatePool(ctx context.Context, p *Pool) error
	GetPool(ctx context.Context, asset string) (*Pool, error)
	ListPools(ctx context.Context) ([]*Pool, error)
	SetActive(ctx context.Context, asset string, active bool) error
	SetMinRatio(ctx context.Context, asset string, pct int64) error

	Deposit(ctx context.Context, asset, provider, amount string) error
	Withdraw(ctx context.Context, asset, provider, amount string) error
	ProviderStake(ctx context.Context, asset, provider string) (string, error)

	Reserve(ctx context.Context, asset, amount, reference string) error
	Release(ctx context.Context, asset, amount, reference string) error
	Payout(ctx context.Context, asset, recipient, amount, reference string) error
	CreditPremium(ctx context.Context, asset, amount, reference string) error
	EmergencyWithdraw(ctx context.Context, asset, recipient, amount string) error

	History(ctx context.Context, asset string, limit int) ([]*Entry, error)
}

// Service implements pool business logic over a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a pool service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Create registers a new asset pool. Ratio 0 uses the default.
func (s *Service) Create(ctx context.Context, asset string, minRatioPct int64) (*Pool, error) {
	asset = strings.ToLower(asset)
	if asset == "" {
		return nil, fmt.Errorf("%w: empty asset", ErrInvalidAmount)
	}
	if minRatioPct == 0 {
		minRatioPct = DefaultMinCapitalRatioPct
	}
	if minRatioPct < 100 {
		return nil, errors.New("pool: min capital ratio must be at least 100%")
	}

	now := time.Now()
	p := &Pool{
		Asset:              asset,
		TotalCapital:       "0",
		AllocatedCapital:   "0",
		MinCapitalRatioPct: minRatioPct,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreatePool(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("pool created", "asset", asset, "min_ratio_pct", minRatioPct)
	return p, nil
}

// Get returns a pool by asset.
func (s *Service) Get(ctx context.Context, asset string) (*Pool, error) {
	return s.store.GetPool(ctx, strings.ToLower(asset))
}

// List returns all pools.
func (s *Service) List(ctx context.Context) ([]*Pool, error) {
	return s.store.ListPools(ctx)
}

// SetActive toggles whether new policies may be written against the pool.
func (s *Service) SetActive(ctx context.Context, asset string, active bool) error {
	if err := s.store.SetActive(ctx, strings.ToLower(asset), active); err != nil {
		return err
	}
	s.logger.Info("pool active flag changed", "asset", asset, "active", active)
	return nil
}

// SetMinRatio updates the solvency ratio for future withdrawals.
func (s *Service) SetMinRatio(ctx context.Context, asset string, pct int64) error {
	if pct < 100 {
		return errors.New("pool: min capital ratio must be at least 100%")
	}
	return s.store.SetMinRatio(ctx, strings.ToLower(asset), pct)
}

// Deposit adds provider capital to the pool.
func (s *Service) Deposit(ctx context.Context, asset, provider, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	asset = strings.ToLower(asset)
	p, err := s.store.GetPool(ctx, asset)
	if err != nil {
		return err
	}
	if !p.Active {
		return ErrPoolInactive
	}
	if err := s.store.Deposit(ctx, asset, strings.ToLower(provider), amount); err != nil {
		return err
	}
	s.updateGauges(ctx, asset)
	s.logger.Info("capital deposited", "asset", asset, "provider", provider, "amount", amount)
	return nil
}

// Withdraw removes provider capital, subject to the provider's stake, free
// capital, and the min capital ratio.
func (s *Service) Withdraw(ctx context.Context, asset, provider, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	asset = strings.ToLower(asset)
	if err := s.store.Withdraw(ctx, asset, strings.ToLower(provider), amount); err != nil {
		return err
	}
	s.updateGauges(ctx, asset)
	s.logger.Info("capital withdrawn", "asset", asset, "provider", provider, "amount", amount)
	return nil
}

// ProviderStake returns a provider's current stake in a pool.
func (s *Service) ProviderStake(ctx context.Context, asset, provider string) (string, error) {
	return s.store.ProviderStake(ctx, strings.ToLower(asset), strings.ToLower(provider))
}

// History returns the most recent capital journal entries for a pool.
func (s *Service) History(ctx context.Context, asset string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, strings.ToLower(asset), limit)
}

// EmergencyWithdraw moves free capital out of the pool, bypassing the min
// capital ratio. Operator-only; allocated capital can never be touched.
func (s *Service) EmergencyWithdraw(ctx context.Context, asset, recipient, amount string) error {
	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	asset = strings.ToLower(asset)
	if err := s.store.EmergencyWithdraw(ctx, asset, strings.ToLower(recipient), amount); err != nil {
		return err
	}
	s.updateGauges(ctx, asset)
	s.logger.Warn("emergency withdrawal executed", "asset", asset, "recipient", recipient, "amount", amount)
	return nil
}

func (s *Service) updateGauges(ctx context.Context, asset string) {
	p, err := s.store.GetPool(ctx, asset)
	if err != nil {
		return
	}
	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	metrics.PoolTotalCapital.WithLabelValues(asset).Set(tokens(total))
	metrics.PoolAllocatedCapital.WithLabelValues(asset).Set(tokens(allocated))
}

func tokens(units *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1_000_000)).Float64()
	return f
}

// Allocator is the capital-mutation handle held exclusively by the claims
// engine. Constructing it through the service, rather than exporting the
// reserve/release/payout operations on Service itself, keeps the holder set
// explicit at wiring time.
type Allocator struct {
	s *Service
}

// Allocator returns the claims-engine capital handle.
func (s *Service) Allocator() *Allocator {
	return &Allocator{s: s}
}

// Active reports whether the pool exists and accepts new policies.
func (a *Allocator) Active(ctx context.Context, asset string) (bool, error) {
	p, err := a.s.store.GetPool(ctx, strings.ToLower(asset))
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Active, nil
}

// FreeCapital returns the capital available to back new policies.
func (a *Allocator) FreeCapital(ctx context.Context, asset string) (*big.Int, error) {
	p, err := a.s.store.GetPool(ctx, strings.ToLower(asset))
	if err != nil {
		return nil, err
	}
	return p.FreeCapital(), nil
}

// Reserve allocates capital against a new policy.
func (a *Allocator) Reserve(ctx context.Context, asset, amount, reference string) error {
	if err := a.s.store.Reserve(ctx, strings.ToLower(asset), amount, reference); err != nil {
		return err
	}
	a.s.updateGauges(ctx, strings.ToLower(asset))
	return nil
}

// Release returns reserved capital to the free portion of the pool.
func (a *Allocator) Release(ctx context.Context, asset, amount, reference string) error {
	if err := a.s.store.Release(ctx, strings.ToLower(asset), amount, reference); err != nil {
		return err
	}
	a.s.updateGauges(ctx, strings.ToLower(asset))
	return nil
}

// Payout executes a claim payout: both total and allocated capital drop by
// the paid amount.
func (a *Allocator) Payout(ctx context.Context, asset, recipient, amount, reference string) error {
	asset = strings.ToLower(asset)
	if err := a.s.store.Payout(ctx, asset, strings.ToLower(recipient), amount, reference); err != nil {
		return err
	}
	metrics.PayoutsExecuted.WithLabelValues(asset).Inc()
	a.s.updateGauges(ctx, asset)
	return nil
}

// CreditPremium adds collected premium (net of protocol fee) to the pool.
func (a *Allocator) CreditPremium(ctx context.Context, asset, amount, reference string) error {
	if err := a.s.store.CreditPremium(ctx, strings.ToLower(asset), amount, reference); err != nil {
		return err
	}
	a.s.updateGauges(ctx, strings.ToLower(asset))
	return nil
}
