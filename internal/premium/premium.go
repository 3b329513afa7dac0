// Package premium prices policies.
//
// Quote is a pure function of the submitted terms and the current parameter
// state: a per-(kind, subject) parameter set supplies the base annual rate
// and kind-specific multiplier factors, and the global configuration layers
// market, coverage-size, duration, and dynamic-risk multipliers on top. All
// multipliers are percent integers so the arithmetic stays exact.
package premium

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
	"github.com/parashield-protocol/parashield/internal/peril"
)

var (
	ErrNotInsurable    = errors.New("premium: subject not insurable for this risk kind")
	ErrParamsNotFound  = errors.New("premium: parameter set not found")
	ErrInvalidParams   = errors.New("premium: invalid parameters")
	ErrInvalidAmount   = errors.New("premium: amount must be positive")
	ErrInvalidDuration = errors.New("premium: duration must be positive")
)

const secondsPerYear = 365 * 24 * 60 * 60

// RiskScorer supplies the dynamic risk multiplier in percent for a subject.
// Unavailable scorers are not an error condition: the quote falls back to a
// neutral 100.
type RiskScorer interface {
	Multiplier(ctx context.Context, subject string) (int64, error)
}

// Store persists parameter sets and the global configuration.
type Store interface {
	GetParams(ctx context.Context, kind peril.RiskKind, subject string) (*ParamSet, error)
	UpsertParams(ctx context.Context, p *ParamSet) error
	SetParamsActive(ctx context.Context, kind peril.RiskKind, subject string, active bool) error
	ListParams(ctx context.Context) ([]*ParamSet, error)
	GetGlobal(ctx context.Context) (GlobalConfig, error)
	SetGlobal(ctx context.Context, g GlobalConfig) error
}

// Service implements premium quoting over a Store.
type Service struct {
	store  Store
	scorer RiskScorer
	logger *slog.Logger
}

// NewService creates a premium service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// WithRiskScorer attaches a dynamic risk-score source.
func (s *Service) WithRiskScorer(scorer RiskScorer) *Service {
	s.scorer = scorer
	return s
}

// Quote prices coverage of amount over duration against (kind, target).
// For Depeg and Volatility the insured token itself is the subject, so an
// empty target falls back to the asset.
func (s *Service) Quote(ctx context.Context, asset, amount string, duration time.Duration, kind peril.RiskKind, target string) (string, error) {
	premium, err := s.quote(ctx, asset, amount, duration, kind, target)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotInsurable):
			metrics.PremiumQuotes.WithLabelValues("not_insurable").Inc()
		default:
			metrics.PremiumQuotes.WithLabelValues("invalid").Inc()
		}
		return "", err
	}
	metrics.PremiumQuotes.WithLabelValues("ok").Inc()
	return premium, nil
}

func (s *Service) quote(ctx context.Context, asset, amount string, duration time.Duration, kind peril.RiskKind, target string) (string, error) {
	if !kind.Valid() {
		return "", peril.ErrInvalidRiskKind
	}
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return "", ErrInvalidAmount
	}
	if duration <= 0 {
		return "", ErrInvalidDuration
	}

	subject := strings.ToLower(target)
	if subject == "" {
		subject = strings.ToLower(asset)
	}
	if subject == "" {
		return "", ErrNotInsurable
	}

	params, err := s.store.GetParams(ctx, kind, subject)
	if err != nil {
		if errors.Is(err, ErrParamsNotFound) {
			return "", ErrNotInsurable
		}
		return "", err
	}
	if !params.Active {
		return "", ErrNotInsurable
	}

	global, err := s.store.GetGlobal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load global config: %w", err)
	}

	kindMult := params.Factors.multiplier()
	if kindMult <= 0 {
		return "", fmt.Errorf("%w: multiplier factors collapse to zero", ErrInvalidParams)
	}

	sizeMult := tierMultiplier(amt, global)
	durMult := durationTierMultiplier(duration, global)
	dynMult := s.dynamicMultiplier(ctx, subject)

	// premium = amount * rate * years * multipliers, all integer:
	//   amount × baseRateBps × durationSecs × (percent multipliers)
	//   ─────────────────────────────────────────────────────────
	//   10000 × secondsPerYear × 100^5
	num := new(big.Int).Set(amt)
	num.Mul(num, big.NewInt(params.BaseRateBps))
	num.Mul(num, big.NewInt(int64(duration/time.Second)))
	num.Mul(num, big.NewInt(kindMult))
	num.Mul(num, big.NewInt(global.RiskMultiplierPct))
	num.Mul(num, big.NewInt(sizeMult))
	num.Mul(num, big.NewInt(durMult))
	num.Mul(num, big.NewInt(dynMult))

	den := new(big.Int).SetInt64(10000 * secondsPerYear)
	percentScale := new(big.Int).Exp(big.NewInt(100), big.NewInt(5), nil)
	den.Mul(den, percentScale)

	premium := num.Div(num, den)

	// floor: 0.1% of cover
	minPremium := new(big.Int).Div(amt, big.NewInt(1000))
	if premium.Cmp(minPremium) < 0 {
		premium = minPremium
	}

	return money.Format(premium), nil
}

// tierMultiplier applies the coverage-size load: full at/above the high
// boundary, half at/above the mid boundary, none below.
func tierMultiplier(amt *big.Int, g GlobalConfig) int64 {
	high, _ := money.Parse(g.SizeHighAmount)
	mid, _ := money.Parse(g.SizeMidAmount)
	switch {
	case high.Sign() > 0 && amt.Cmp(high) >= 0:
		return 100 + g.SizeLoadPct
	case mid.Sign() > 0 && amt.Cmp(mid) >= 0:
		return 100 + g.SizeLoadPct/2
	default:
		return 100
	}
}

func durationTierMultiplier(d time.Duration, g GlobalConfig) int64 {
	switch {
	case g.DurationHigh > 0 && d >= g.DurationHigh:
		return 100 + g.DurationLoadPct
	case g.DurationMid > 0 && d >= g.DurationMid:
		return 100 + g.DurationLoadPct/2
	default:
		return 100
	}
}

// dynamicMultiplier consults the risk scorer; anything unusable degrades to
// the neutral 100 rather than failing the quote.
func (s *Service) dynamicMultiplier(ctx context.Context, subject string) int64 {
	if s.scorer == nil {
		return 100
	}
	mult, err := s.scorer.Multiplier(ctx, subject)
	if err != nil {
		s.logger.Debug("risk scorer unavailable, using neutral multiplier",
			"subject", subject, "error", err)
		return 100
	}
	if mult < 100 {
		return 100
	}
	return mult
}

// UpsertParams validates and stores a parameter set.
func (s *Service) UpsertParams(ctx context.Context, p *ParamSet) error {
	p.Subject = strings.ToLower(p.Subject)
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	if err := s.store.UpsertParams(ctx, p); err != nil {
		return err
	}
	s.logger.Info("risk parameters updated",
		"kind", p.Kind.String(), "subject", p.Subject, "base_rate_bps", p.BaseRateBps)
	return nil
}

// SetParamsActive toggles insurability for a (kind, subject) pair.
func (s *Service) SetParamsActive(ctx context.Context, kind peril.RiskKind, subject string, active bool) error {
	if !kind.Valid() {
		return peril.ErrInvalidRiskKind
	}
	return s.store.SetParamsActive(ctx, kind, strings.ToLower(subject), active)
}

// ListParams returns every stored parameter set.
func (s *Service) ListParams(ctx context.Context) ([]*ParamSet, error) {
	return s.store.ListParams(ctx)
}

// Global returns the current global pricing configuration.
func (s *Service) Global(ctx context.Context) (GlobalConfig, error) {
	return s.store.GetGlobal(ctx)
}

// SetGlobal validates and stores the global pricing configuration.
func (s *Service) SetGlobal(ctx context.Context, g GlobalConfig) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := s.store.SetGlobal(ctx, g); err != nil {
		return err
	}
	s.logger.Info("global pricing config updated",
		"risk_multiplier_pct", g.RiskMultiplierPct,
		"size_load_pct", g.SizeLoadPct,
		"duration_load_pct", g.DurationLoadPct)
	return nil
}
