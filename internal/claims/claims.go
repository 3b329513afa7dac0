// Package claims is the policy and capital ledger.
//
// It owns every policy record and is the only component allowed to move
// pool capital: purchases reserve cover, settlements pay out, expiries and
// cancellations release. Policies are small state machines — Active, then
// exactly one of Expired, Claimed, or Cancelled, all terminal.
//
// Claim processing sits behind its own allowlist: the claim dispatcher is
// registered as a processor at wiring time, operators can be added for
// manual settlement. The ledger trusts evidence from authorized processors
// beyond checking presence and risk-kind correspondence; the dispatcher's
// cooldown and listener gates are the upstream defense.
package claims

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
)

var (
	ErrPolicyNotFound        = errors.New("claims: policy not found")
	ErrPolicyNotActive       = errors.New("claims: policy not active")
	ErrOutsideWindow         = errors.New("claims: outside coverage window")
	ErrInvalidClaimAmount    = errors.New("claims: invalid claim amount")
	ErrInvalidEvidence       = errors.New("claims: invalid evidence")
	ErrUnauthorizedProcessor = errors.New("claims: processor not authorized")
	ErrUnauthorizedHolder    = errors.New("claims: caller is not the policy holder")
	ErrNoPoliciesIndexed     = errors.New("claims: no policies indexed for target/asset pair")
	ErrPoolUnavailable       = errors.New("claims: pool inactive or missing for asset")
	ErrZeroPremium           = errors.New("claims: premium computed to zero")
	ErrInvalidRequest        = errors.New("claims: invalid request")
	ErrFeeTooHigh            = errors.New("claims: protocol fee exceeds maximum")
)

// MaxProtocolFeeBps caps the fee at 30% of premium.
const MaxProtocolFeeBps = 3000

// ManualProcessor is the processor identity operator settlements run under.
// It must be on the allowlist like any other processor.
const ManualProcessor = "manual"

// Status is a policy lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusClaimed   Status = "claimed"
	StatusCancelled Status = "cancelled"
)

// Policy is one coverage record. IDs are assigned monotonically by the
// store on creation.
type Policy struct {
	ID          uint64         `json:"id"`
	Holder      string         `json:"holder"`
	Asset       string         `json:"asset"`
	CoverAmount string         `json:"coverAmount"`
	Premium     string         `json:"premium"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     time.Time      `json:"endTime"`
	Kind        peril.RiskKind `json:"kind"`
	Target      string         `json:"target,omitempty"`
	Status      Status         `json:"status"`
	ClaimAmount string         `json:"claimAmount,omitempty"`
	ClaimTime   *time.Time     `json:"claimTime,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Terminal reports whether the policy is in a final state.
func (p *Policy) Terminal() bool {
	switch p.Status {
	case StatusExpired, StatusClaimed, StatusCancelled:
		return true
	}
	return false
}

// InWindow reports whether at falls inside the coverage window.
func (p *Policy) InWindow(at time.Time) bool {
	return !at.Before(p.StartTime) && !at.After(p.EndTime)
}

// IndexPair returns the (target, asset) pair the policy is indexed under
// for bulk claims. It mirrors the dispatcher's claim scoping: exploit and
// bridge-failure claims are keyed by target alone, depeg by the token on
// both sides, volatility by asset alone. Exhaustive over the closed kind
// set; an unknown kind indexes nowhere.
func (p *Policy) IndexPair() (target, asset string) {
	switch p.Kind {
	case peril.KindExploit, peril.KindBridgeFailure:
		return p.Target, ""
	case peril.KindDepeg:
		return p.Asset, p.Asset
	case peril.KindVolatility:
		return "", p.Asset
	default:
		return "", ""
	}
}

// RefundDue computes the cancellation refund at the given time: 70% of the
// remaining-time fraction of the premium, in basis points throughout so the
// arithmetic is exact. A policy cancelled at 50% elapsed refunds 35%.
func (p *Policy) RefundDue(at time.Time) *big.Int {
	premium, _ := money.Parse(p.Premium)
	total := p.EndTime.Sub(p.StartTime)
	if total <= 0 {
		return money.Zero()
	}
	remaining := p.EndTime.Sub(at)
	if remaining <= 0 {
		return money.Zero()
	}
	if remaining > total {
		remaining = total
	}

	totalSecs := int64(total / time.Second)
	remainingSecs := int64(remaining / time.Second)
	if totalSecs <= 0 {
		return money.Zero()
	}
	remainingBps := new(big.Int).SetInt64(remainingSecs * 10000 / totalSecs)
	refundBps := remainingBps.Mul(remainingBps, big.NewInt(7000))
	refundBps.Div(refundBps, big.NewInt(10000))

	refund := new(big.Int).Mul(premium, refundBps)
	return refund.Div(refund, big.NewInt(10000))
}

// Store persists policies. Create assigns the next policy ID. Delete is
// only used to back out a policy whose purchase never completed; settled
// policies are terminal, never removed. ListByPair returns Active policies
// only, oldest first.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id uint64) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id uint64) error
	ListByHolder(ctx context.Context, holder string, limit int) ([]*Policy, error)
	ListByPair(ctx context.Context, target, asset string, limit int) ([]*Policy, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Policy, error)
}

// CapitalAllocator abstracts the pool operations the ledger drives, so the
// package does not import pool directly. pool.Allocator satisfies it.
type CapitalAllocator interface {
	Active(ctx context.Context, asset string) (bool, error)
	FreeCapital(ctx context.Context, asset string) (*big.Int, error)
	Reserve(ctx context.Context, asset, amount, reference string) error
	Release(ctx context.Context, asset, amount, reference string) error
	Payout(ctx context.Context, asset, recipient, amount, reference string) error
	CreditPremium(ctx context.Context, asset, amount, reference string) error
}

// Quoter prices coverage. premium.Service satisfies it.
type Quoter interface {
	Quote(ctx context.Context, asset, amount string, duration time.Duration, kind peril.RiskKind, target string) (string, error)
}

// RefundSettler hands computed cancellation refunds to an external
// settlement path. The ledger only computes the amount.
type RefundSettler interface {
	Refund(ctx context.Context, holder, asset, amount, reference string) error
}

// NoopRefundSettler logs refunds without moving funds. Used until an
// on-chain settlement executor is wired.
type NoopRefundSettler struct {
	Logger *slog.Logger
}

func (n *NoopRefundSettler) Refund(ctx context.Context, holder, asset, amount, reference string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("refund accrued for external settlement",
		"holder", holder, "asset", asset, "amount", amount, "reference", reference)
	return nil
}

// Broadcaster pushes policy lifecycle events to observers.
type Broadcaster interface {
	PolicyCreated(p *Policy)
	ClaimSettled(p *Policy)
}
