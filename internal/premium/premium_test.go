package premium

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
)

const (
	testTarget = "0xcccc000000000000000000000000000000000001"
	testAsset  = "0xdddd000000000000000000000000000000000001"
)

// neutralGlobal disables every tier load so tests can reason about the base
// formula in isolation.
func neutralGlobal() GlobalConfig {
	return GlobalConfig{
		RiskMultiplierPct: 100,
		SizeMidAmount:     "0",
		SizeHighAmount:    "0",
		SizeLoadPct:       0,
		DurationLoadPct:   0,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(NewMemoryStore(), slog.Default())
	if err := s.store.SetGlobal(context.Background(), neutralGlobal()); err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}
	return s
}

func addExploitParams(t *testing.T, s *Service, auditDiscount int64) {
	t.Helper()
	err := s.UpsertParams(context.Background(), &ParamSet{
		Kind:        peril.KindExploit,
		Subject:     testTarget,
		BaseRateBps: 1000,
		Factors:     ExploitFactors{TVLFactorPct: 100, ComplexityFactorPct: 100, AuditDiscountPct: auditDiscount},
		Active:      true,
	})
	if err != nil {
		t.Fatalf("UpsertParams failed: %v", err)
	}
}

const yearDuration = 365 * 24 * time.Hour

func TestQuoteBaseFormula(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)

	// 10% annual rate, neutral multipliers, one year: premium is 10% of cover
	premium, err := s.Quote(context.Background(), testAsset, "100000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "10000" {
		t.Errorf("expected premium 10000, got %s", premium)
	}

	// half the term halves the premium
	premium, err = s.Quote(context.Background(), testAsset, "100000", yearDuration/2, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "5000" {
		t.Errorf("expected premium 5000, got %s", premium)
	}
}

func TestQuoteMinimumFloor(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)

	// one hour of coverage computes well under the floor of 0.1% of cover
	premium, err := s.Quote(context.Background(), testAsset, "100000", time.Hour, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "100" {
		t.Errorf("expected floor premium 100, got %s", premium)
	}
}

func TestQuoteAuditDiscount(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 50)

	premium, err := s.Quote(context.Background(), testAsset, "100000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "5000" {
		t.Errorf("expected discounted premium 5000, got %s", premium)
	}
}

func TestQuoteSizeTiers(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)

	g := neutralGlobal()
	g.SizeMidAmount = "10000"
	g.SizeHighAmount = "50000"
	g.SizeLoadPct = 20
	if err := s.SetGlobal(context.Background(), g); err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}

	cases := []struct {
		amount  string
		premium string
	}{
		{"1000", "100"},     // below mid tier: no load, 10% of 1000
		{"10000", "1100"},   // mid tier: +10%
		{"100000", "12000"}, // high tier: +20%
	}
	for _, tc := range cases {
		premium, err := s.Quote(context.Background(), testAsset, tc.amount, yearDuration, peril.KindExploit, testTarget)
		if err != nil {
			t.Fatalf("Quote(%s) failed: %v", tc.amount, err)
		}
		if premium != tc.premium {
			t.Errorf("Quote(%s): expected %s, got %s", tc.amount, tc.premium, premium)
		}
	}
}

type stubScorer struct {
	mult int64
	err  error
}

func (s *stubScorer) Multiplier(ctx context.Context, subject string) (int64, error) {
	return s.mult, s.err
}

func TestQuoteDynamicRiskMultiplier(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)
	s.WithRiskScorer(&stubScorer{mult: 200})

	premium, err := s.Quote(context.Background(), testAsset, "100000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "20000" {
		t.Errorf("expected doubled premium 20000, got %s", premium)
	}
}

func TestQuoteScorerUnavailable(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)
	s.WithRiskScorer(&stubScorer{err: errors.New("scorer down")})

	premium, err := s.Quote(context.Background(), testAsset, "100000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "10000" {
		t.Errorf("expected neutral premium 10000, got %s", premium)
	}
}

func TestQuoteNotInsurable(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	// no parameter set at all
	_, err := s.Quote(ctx, testAsset, "1000", yearDuration, peril.KindExploit, testTarget)
	if !errors.Is(err, ErrNotInsurable) {
		t.Errorf("expected ErrNotInsurable for missing params, got %v", err)
	}

	// deactivated parameter set
	addExploitParams(t, s, 100)
	if err := s.SetParamsActive(ctx, peril.KindExploit, testTarget, false); err != nil {
		t.Fatalf("SetParamsActive failed: %v", err)
	}
	_, err = s.Quote(ctx, testAsset, "1000", yearDuration, peril.KindExploit, testTarget)
	if !errors.Is(err, ErrNotInsurable) {
		t.Errorf("expected ErrNotInsurable for inactive params, got %v", err)
	}
}

func TestQuoteValidation(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)
	ctx := context.Background()

	if _, err := s.Quote(ctx, testAsset, "0", yearDuration, peril.KindExploit, testTarget); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Quote(ctx, testAsset, "-5", yearDuration, peril.KindExploit, testTarget); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := s.Quote(ctx, testAsset, "1000", 0, peril.KindExploit, testTarget); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := s.Quote(ctx, testAsset, "1000", yearDuration, peril.RiskKind(99), testTarget); !errors.Is(err, peril.ErrInvalidRiskKind) {
		t.Errorf("expected ErrInvalidRiskKind, got %v", err)
	}
}

func TestQuoteSubjectFallsBackToAsset(t *testing.T) {
	s := newTestService(t)
	err := s.UpsertParams(context.Background(), &ParamSet{
		Kind:        peril.KindDepeg,
		Subject:     testAsset,
		BaseRateBps: 500,
		Factors:     DepegFactors{MarketCapFactorPct: 100, CollateralizationFactorPct: 100},
		Active:      true,
	})
	if err != nil {
		t.Fatalf("UpsertParams failed: %v", err)
	}

	// depeg quotes carry no separate target; the token is the subject
	premium, err := s.Quote(context.Background(), testAsset, "100000", yearDuration, peril.KindDepeg, "")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if premium != "5000" {
		t.Errorf("expected premium 5000, got %s", premium)
	}
}

func TestQuoteMonotonicInAmount(t *testing.T) {
	s := newTestService(t)
	addExploitParams(t, s, 100)

	small, err := s.Quote(context.Background(), testAsset, "40000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	large, err := s.Quote(context.Background(), testAsset, "80000", yearDuration, peril.KindExploit, testTarget)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	smallUnits, _ := money.Parse(small)
	largeUnits, _ := money.Parse(large)
	if smallUnits.Cmp(largeUnits) >= 0 {
		t.Errorf("expected premium to grow with amount: %s vs %s", small, large)
	}
}

func TestParamSetValidation(t *testing.T) {
	cases := []struct {
		name string
		p    ParamSet
	}{
		{"bad kind", ParamSet{Kind: peril.RiskKind(42), Subject: testTarget, BaseRateBps: 100, Factors: ExploitFactors{100, 100, 100}}},
		{"empty subject", ParamSet{Kind: peril.KindExploit, BaseRateBps: 100, Factors: ExploitFactors{100, 100, 100}}},
		{"zero rate", ParamSet{Kind: peril.KindExploit, Subject: testTarget, Factors: ExploitFactors{100, 100, 100}}},
		{"nil factors", ParamSet{Kind: peril.KindExploit, Subject: testTarget, BaseRateBps: 100}},
		{"zero factor", ParamSet{Kind: peril.KindExploit, Subject: testTarget, BaseRateBps: 100, Factors: ExploitFactors{0, 100, 100}}},
		{"discount over 100", ParamSet{Kind: peril.KindExploit, Subject: testTarget, BaseRateBps: 100, Factors: ExploitFactors{100, 100, 150}}},
	}
	for _, tc := range cases {
		if err := tc.p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDecodeFactorsPerKind(t *testing.T) {
	raw := []byte(`{"marketCapFactorPct":120,"collateralizationFactorPct":110}`)
	f, err := DecodeFactors(peril.KindDepeg, raw)
	if err != nil {
		t.Fatalf("DecodeFactors failed: %v", err)
	}
	depeg, ok := f.(DepegFactors)
	if !ok {
		t.Fatalf("expected DepegFactors, got %T", f)
	}
	if depeg.MarketCapFactorPct != 120 || depeg.CollateralizationFactorPct != 110 {
		t.Errorf("unexpected decode: %+v", depeg)
	}

	if _, err := DecodeFactors(peril.RiskKind(42), raw); !errors.Is(err, peril.ErrInvalidRiskKind) {
		t.Errorf("expected ErrInvalidRiskKind, got %v", err)
	}
}
