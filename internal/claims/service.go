package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/parashield-protocol/parashield/internal/metrics"
	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/traces"
	"github.com/parashield-protocol/parashield/internal/validation"
)

// claimBatchSize bounds per-call work on the bulk claim and expiry paths.
// Both are safe to re-invoke: terminal statuses gate double-processing.
const claimBatchSize = 100

// Service implements the policy ledger business logic.
type Service struct {
	store   Store
	capital CapitalAllocator
	quoter  Quoter
	settler RefundSettler

	mu           sync.RWMutex
	processors   map[string]bool
	feeBps       int64
	feeCollector string

	locks  sync.Map // per-policy ID locks
	events Broadcaster
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a policy ledger.
func NewService(store Store, capital CapitalAllocator, quoter Quoter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		capital:    capital,
		quoter:     quoter,
		settler:    &NoopRefundSettler{Logger: logger},
		processors: make(map[string]bool),
		now:        time.Now,
		logger:     logger,
	}
}

// WithRefundSettler replaces the default no-op refund settlement path.
func (s *Service) WithRefundSettler(r RefundSettler) *Service {
	s.settler = r
	return s
}

// WithBroadcaster attaches a lifecycle event sink.
func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.events = b
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AuthorizeProcessor adds a claim-processor identity to the allowlist.
func (s *Service) AuthorizeProcessor(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors[identity] = true
}

// DeauthorizeProcessor removes a claim-processor identity.
func (s *Service) DeauthorizeProcessor(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processors, identity)
}

func (s *Service) processorAuthorized(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processors[identity]
}

// SetProtocolFee updates the fee taken from each premium, capped at 30%.
func (s *Service) SetProtocolFee(bps int64, collector string) error {
	if bps < 0 || bps > MaxProtocolFeeBps {
		return ErrFeeTooHigh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeBps = bps
	s.feeCollector = strings.ToLower(collector)
	return nil
}

// ProtocolFee returns the current fee setting.
func (s *Service) ProtocolFee() (int64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeBps, s.feeCollector
}

func (s *Service) policyLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Purchase writes a new policy: prices it, collects the premium into the
// pool net of the protocol fee, and reserves the full cover amount.
func (s *Service) Purchase(ctx context.Context, holder, asset, amount string, duration time.Duration, kind peril.RiskKind, target string) (*Policy, error) {
	ctx, span := traces.StartSpan(ctx, "claims.Purchase")
	defer span.End()

	if !validation.IsValidEthAddress(holder) || !validation.IsValidEthAddress(asset) {
		return nil, fmt.Errorf("%w: holder and asset must be valid addresses", ErrInvalidRequest)
	}
	if !kind.Valid() {
		return nil, peril.ErrInvalidRiskKind
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	coverUnits, ok := money.ParsePositive(amount)
	if !ok {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	holder = strings.ToLower(holder)
	asset = strings.ToLower(asset)
	target = strings.ToLower(target)

	active, err := s.capital.Active(ctx, asset)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrPoolUnavailable
	}
	free, err := s.capital.FreeCapital(ctx, asset)
	if err != nil {
		return nil, err
	}
	if free.Cmp(coverUnits) < 0 {
		return nil, fmt.Errorf("%w: free capital below requested cover", ErrPoolUnavailable)
	}

	premium, err := s.quoter.Quote(ctx, asset, amount, duration, kind, target)
	if err != nil {
		return nil, fmt.Errorf("failed to quote premium: %w", err)
	}
	premiumUnits, ok := money.ParsePositive(premium)
	if !ok {
		return nil, ErrZeroPremium
	}

	now := s.now()
	policy := &Policy{
		Holder:      holder,
		Asset:       asset,
		CoverAmount: money.Format(coverUnits),
		Premium:     premium,
		StartTime:   now,
		EndTime:     now.Add(duration),
		Kind:        kind,
		Target:      target,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}
	ref := policyRef(policy.ID)

	// Reserve re-validates free capital atomically inside the pool.
	if err := s.capital.Reserve(ctx, asset, policy.CoverAmount, ref); err != nil {
		s.deleteIncomplete(ctx, policy.ID)
		return nil, fmt.Errorf("failed to reserve cover: %w", err)
	}

	// Premium net of protocol fee flows into the pool; the fee share stays
	// with the collector outside pool accounting.
	feeBps, _ := s.ProtocolFee()
	fee := new(big.Int).Mul(premiumUnits, big.NewInt(feeBps))
	fee.Div(fee, big.NewInt(10000))
	net := new(big.Int).Sub(premiumUnits, fee)
	if net.Sign() > 0 {
		if err := s.capital.CreditPremium(ctx, asset, money.Format(net), ref); err != nil {
			_ = s.capital.Release(ctx, asset, policy.CoverAmount, ref)
			s.deleteIncomplete(ctx, policy.ID)
			return nil, fmt.Errorf("failed to credit premium: %w", err)
		}
	}

	metrics.PoliciesCreated.WithLabelValues(kind.String()).Inc()
	s.logger.Info("policy purchased",
		"policy_id", policy.ID,
		"holder", holder, "asset", asset,
		"cover", policy.CoverAmount, "premium", premium,
		"kind", kind.String(), "target", target,
		"fee_bps", feeBps)
	if s.events != nil {
		s.events.PolicyCreated(policy)
	}
	return policy, nil
}

// deleteIncomplete removes a policy row whose purchase did not complete,
// so the holder never sees a record for a purchase that failed.
func (s *Service) deleteIncomplete(ctx context.Context, id uint64) {
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Error("failed to remove incomplete policy", "policy_id", id, "error", err)
	}
}

// ProcessClaim settles one policy for claimAmount. Single-policy path used
// by operators; processor must be on the allowlist.
func (s *Service) ProcessClaim(ctx context.Context, processor string, id uint64, claimAmount string, evidence []byte) (*Policy, error) {
	ctx, span := traces.StartSpan(ctx, "claims.ProcessClaim")
	defer span.End()

	if !s.processorAuthorized(processor) {
		return nil, ErrUnauthorizedProcessor
	}
	if len(evidence) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidEvidence)
	}

	mu := s.policyLock(id)
	mu.Lock()
	defer mu.Unlock()

	policy, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if policy.Status != StatusActive {
		return nil, ErrPolicyNotActive
	}
	now := s.now()
	if !policy.InWindow(now) {
		return nil, ErrOutsideWindow
	}

	claimUnits, ok := money.ParsePositive(claimAmount)
	if !ok {
		return nil, ErrInvalidClaimAmount
	}
	coverUnits, _ := money.Parse(policy.CoverAmount)
	if claimUnits.Cmp(coverUnits) > 0 {
		return nil, ErrInvalidClaimAmount
	}

	if err := s.settle(ctx, policy, claimUnits, coverUnits, now); err != nil {
		return nil, err
	}
	s.logger.Info("claim processed",
		"policy_id", policy.ID, "processor", processor,
		"claim", policy.ClaimAmount, "cover", policy.CoverAmount)
	return policy, nil
}

// ProcessContractClaims settles every eligible policy indexed under
// (target, asset) for its full cover. Called by the dispatcher; individual
// ineligible policies are skipped silently, but an empty index is an error
// so a misrouted dispatch is visible.
func (s *Service) ProcessContractClaims(ctx context.Context, origin, target, asset string, evidence []byte) (int, error) {
	ctx, span := traces.StartSpan(ctx, "claims.ProcessContractClaims")
	defer span.End()

	if !s.processorAuthorized(origin) {
		return 0, ErrUnauthorizedProcessor
	}
	ev, err := peril.DecodeEvidence(evidence)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}

	target = strings.ToLower(target)
	asset = strings.ToLower(asset)
	now := s.now()

	// The store pages over Active policies only, so each settled policy
	// leaves the next page. Drain page by page; a short page means the
	// index is exhausted, an unproductive full page means everything left
	// is ineligible (wrong kind, outside window) and re-listing would spin.
	indexed, claimed := 0, 0
	for {
		policies, err := s.store.ListByPair(ctx, target, asset, claimBatchSize)
		if err != nil {
			return claimed, err
		}
		if len(policies) == 0 {
			if indexed == 0 {
				return 0, ErrNoPoliciesIndexed
			}
			break
		}
		indexed += len(policies)

		pageClaimed := 0
		for _, p := range policies {
			if err := s.claimFullCover(ctx, p.ID, ev.Kind, now); err != nil {
				// routine ineligibility is skipped, real failures logged
				if !errors.Is(err, ErrPolicyNotActive) && !errors.Is(err, ErrOutsideWindow) {
					s.logger.Error("failed to settle policy in bulk claim",
						"policy_id", p.ID, "error", err)
				}
				continue
			}
			pageClaimed++
		}
		claimed += pageClaimed

		if len(policies) < claimBatchSize || pageClaimed == 0 {
			break
		}
	}

	s.logger.Info("bulk claim processed",
		"origin", origin, "target", target, "asset", asset,
		"kind", ev.Kind.String(), "indexed", indexed, "claimed", claimed)
	return claimed, nil
}

// claimFullCover settles a single policy for its full cover amount if it is
// eligible under the evidence kind.
func (s *Service) claimFullCover(ctx context.Context, id uint64, kind peril.RiskKind, now time.Time) error {
	mu := s.policyLock(id)
	mu.Lock()
	defer mu.Unlock()

	policy, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if policy.Status != StatusActive {
		return ErrPolicyNotActive
	}
	if !policy.InWindow(now) {
		return ErrOutsideWindow
	}
	if policy.Kind != kind {
		return ErrPolicyNotActive
	}

	coverUnits, _ := money.Parse(policy.CoverAmount)
	return s.settle(ctx, policy, coverUnits, coverUnits, now)
}

// settle transitions a policy to Claimed and moves capital: claimUnits paid
// out, any unclaimed remainder of the reservation released. Caller holds
// the policy lock.
func (s *Service) settle(ctx context.Context, policy *Policy, claimUnits, coverUnits *big.Int, now time.Time) error {
	ref := policyRef(policy.ID)

	if err := s.capital.Payout(ctx, policy.Asset, policy.Holder, money.Format(claimUnits), ref); err != nil {
		return fmt.Errorf("failed to pay out claim: %w", err)
	}
	if remainder := new(big.Int).Sub(coverUnits, claimUnits); remainder.Sign() > 0 {
		if err := s.capital.Release(ctx, policy.Asset, money.Format(remainder), ref); err != nil {
			s.logger.Error("failed to release unclaimed cover after payout",
				"policy_id", policy.ID, "remainder", money.Format(remainder), "error", err)
		}
	}

	policy.Status = StatusClaimed
	policy.ClaimAmount = money.Format(claimUnits)
	policy.ClaimTime = &now
	policy.UpdatedAt = now

	if err := s.store.Update(ctx, policy); err != nil {
		// Funds already moved; retry once, then surface for manual
		// resolution rather than guessing at compensation.
		if retryErr := s.store.Update(ctx, policy); retryErr != nil {
			s.logger.Error("CRITICAL: payout executed but policy update failed",
				"policy_id", policy.ID, "error", retryErr)
			return fmt.Errorf("failed to update policy after payout (requires manual resolution): %w", err)
		}
	}

	metrics.PoliciesSettled.WithLabelValues(string(StatusClaimed)).Inc()
	if s.events != nil {
		s.events.ClaimSettled(policy)
	}
	return nil
}

// ExpirePolicies transitions Active policies past their end time to Expired
// and releases their reserved cover. Returns the number expired.
func (s *Service) ExpirePolicies(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > claimBatchSize {
		limit = claimBatchSize
	}
	now := s.now()
	expired, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range expired {
		if err := s.expireOne(ctx, p.ID, now); err != nil {
			if !errors.Is(err, ErrPolicyNotActive) {
				s.logger.Warn("failed to expire policy", "policy_id", p.ID, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}

func (s *Service) expireOne(ctx context.Context, id uint64, now time.Time) error {
	mu := s.policyLock(id)
	mu.Lock()
	defer mu.Unlock()

	policy, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if policy.Status != StatusActive || now.Before(policy.EndTime) {
		return ErrPolicyNotActive
	}

	if err := s.capital.Release(ctx, policy.Asset, policy.CoverAmount, policyRef(policy.ID)); err != nil {
		return fmt.Errorf("failed to release cover on expiry: %w", err)
	}

	policy.Status = StatusExpired
	policy.UpdatedAt = now
	if err := s.store.Update(ctx, policy); err != nil {
		if retryErr := s.store.Update(ctx, policy); retryErr != nil {
			s.logger.Error("CRITICAL: cover released but expiry update failed",
				"policy_id", policy.ID, "error", retryErr)
			return fmt.Errorf("failed to update policy after release: %w", err)
		}
	}

	metrics.PoliciesSettled.WithLabelValues(string(StatusExpired)).Inc()
	s.logger.Info("policy expired", "policy_id", policy.ID, "cover", policy.CoverAmount)
	return nil
}

// Cancel terminates an Active policy at the holder's request. The reserved
// cover is released in full; the prorated refund is computed here and
// handed to the refund settler.
func (s *Service) Cancel(ctx context.Context, id uint64, holder string) (*Policy, error) {
	ctx, span := traces.StartSpan(ctx, "claims.Cancel")
	defer span.End()

	mu := s.policyLock(id)
	mu.Lock()
	defer mu.Unlock()

	policy, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(holder, policy.Holder) {
		return nil, ErrUnauthorizedHolder
	}
	if policy.Status != StatusActive {
		return nil, ErrPolicyNotActive
	}

	now := s.now()
	ref := policyRef(policy.ID)
	if err := s.capital.Release(ctx, policy.Asset, policy.CoverAmount, ref); err != nil {
		return nil, fmt.Errorf("failed to release cover: %w", err)
	}

	refund := policy.RefundDue(now)
	if refund.Sign() > 0 {
		if err := s.settler.Refund(ctx, policy.Holder, policy.Asset, money.Format(refund), ref); err != nil {
			s.logger.Error("refund settlement failed, amount accrued",
				"policy_id", policy.ID, "refund", money.Format(refund), "error", err)
		}
	}

	policy.Status = StatusCancelled
	policy.UpdatedAt = now
	if err := s.store.Update(ctx, policy); err != nil {
		if retryErr := s.store.Update(ctx, policy); retryErr != nil {
			s.logger.Error("CRITICAL: cover released but cancel update failed",
				"policy_id", policy.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update policy after release: %w", err)
		}
	}

	metrics.PoliciesSettled.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("policy cancelled",
		"policy_id", policy.ID, "holder", policy.Holder, "refund", money.Format(refund))
	return policy, nil
}

// Get returns a policy by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Policy, error) {
	return s.store.Get(ctx, id)
}

// ListByHolder returns a holder's policies, newest first.
func (s *Service) ListByHolder(ctx context.Context, holder string, limit int) ([]*Policy, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByHolder(ctx, strings.ToLower(holder), limit)
}

func policyRef(id uint64) string {
	return fmt.Sprintf("policy:%d", id)
}
