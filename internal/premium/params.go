package premium

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// Factors is the per-kind half of a parameter set. Each risk kind carries
// its own factor struct; multiplier() collapses the factors into a single
// percent value (100 = 1.0). The exhaustive switch in factorsForKind is the
// only place a new kind can be wired in, so an unhandled kind fails loudly.
type Factors interface {
	multiplier() int64
	validate() error
}

// ExploitFactors price smart-contract exploit coverage.
type ExploitFactors struct {
	TVLFactorPct        int64 `json:"tvlFactorPct"`        // protocol size load
	ComplexityFactorPct int64 `json:"complexityFactorPct"` // code complexity load
	AuditDiscountPct    int64 `json:"auditDiscountPct"`    // <=100; 100 = no discount
}

func (f ExploitFactors) multiplier() int64 {
	return f.TVLFactorPct * f.ComplexityFactorPct / 100 * f.AuditDiscountPct / 100
}

func (f ExploitFactors) validate() error {
	if f.TVLFactorPct <= 0 || f.ComplexityFactorPct <= 0 {
		return fmt.Errorf("%w: factors must be positive", ErrInvalidParams)
	}
	if f.AuditDiscountPct <= 0 || f.AuditDiscountPct > 100 {
		return fmt.Errorf("%w: audit discount must be in (0,100]", ErrInvalidParams)
	}
	return nil
}

// DepegFactors price stablecoin depeg coverage.
type DepegFactors struct {
	MarketCapFactorPct         int64 `json:"marketCapFactorPct"`
	CollateralizationFactorPct int64 `json:"collateralizationFactorPct"`
}

func (f DepegFactors) multiplier() int64 {
	return f.MarketCapFactorPct * f.CollateralizationFactorPct / 100
}

func (f DepegFactors) validate() error {
	if f.MarketCapFactorPct <= 0 || f.CollateralizationFactorPct <= 0 {
		return fmt.Errorf("%w: factors must be positive", ErrInvalidParams)
	}
	return nil
}

// BridgeFactors price bridge-failure coverage.
type BridgeFactors struct {
	VolumeFactorPct   int64 `json:"volumeFactorPct"`
	SecurityFactorPct int64 `json:"securityFactorPct"` // security-model load
	AuditDiscountPct  int64 `json:"auditDiscountPct"`
}

func (f BridgeFactors) multiplier() int64 {
	return f.VolumeFactorPct * f.SecurityFactorPct / 100 * f.AuditDiscountPct / 100
}

func (f BridgeFactors) validate() error {
	if f.VolumeFactorPct <= 0 || f.SecurityFactorPct <= 0 {
		return fmt.Errorf("%w: factors must be positive", ErrInvalidParams)
	}
	if f.AuditDiscountPct <= 0 || f.AuditDiscountPct > 100 {
		return fmt.Errorf("%w: audit discount must be in (0,100]", ErrInvalidParams)
	}
	return nil
}

// VolatilityFactors price extreme-volatility coverage.
type VolatilityFactors struct {
	AssetVolatilityFactorPct int64 `json:"assetVolatilityFactorPct"`
	LiquidityFactorPct       int64 `json:"liquidityFactorPct"`
}

func (f VolatilityFactors) multiplier() int64 {
	return f.AssetVolatilityFactorPct * f.LiquidityFactorPct / 100
}

func (f VolatilityFactors) validate() error {
	if f.AssetVolatilityFactorPct <= 0 || f.LiquidityFactorPct <= 0 {
		return fmt.Errorf("%w: factors must be positive", ErrInvalidParams)
	}
	return nil
}

// ParamSet is the full pricing parameter record for one (kind, subject)
// pair. Subject is the insured contract/bridge address for Exploit and
// BridgeFailure, the token address for Depeg and Volatility.
type ParamSet struct {
	Kind        peril.RiskKind `json:"kind"`
	Subject     string         `json:"subject"`
	BaseRateBps int64          `json:"baseRateBps"`
	Factors     Factors        `json:"factors"`
	Active      bool           `json:"active"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Validate checks the parameter set including its kind-specific factors.
func (p *ParamSet) Validate() error {
	if !p.Kind.Valid() {
		return peril.ErrInvalidRiskKind
	}
	if p.Subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidParams)
	}
	if p.BaseRateBps <= 0 {
		return fmt.Errorf("%w: base rate must be positive", ErrInvalidParams)
	}
	if p.Factors == nil {
		return fmt.Errorf("%w: missing factors", ErrInvalidParams)
	}
	return p.Factors.validate()
}

// factorsForKind returns the zero factor struct for a kind, used when
// decoding a persisted or submitted parameter set. Exhaustive over kinds.
func factorsForKind(kind peril.RiskKind) (Factors, error) {
	switch kind {
	case peril.KindExploit:
		return ExploitFactors{}, nil
	case peril.KindDepeg:
		return DepegFactors{}, nil
	case peril.KindBridgeFailure:
		return BridgeFactors{}, nil
	case peril.KindVolatility:
		return VolatilityFactors{}, nil
	default:
		return nil, peril.ErrInvalidRiskKind
	}
}

// DecodeFactors parses a kind-tagged JSON factor blob.
func DecodeFactors(kind peril.RiskKind, raw []byte) (Factors, error) {
	zero, err := factorsForKind(kind)
	if err != nil {
		return nil, err
	}
	switch zero.(type) {
	case ExploitFactors:
		var f ExploitFactors
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return f, nil
	case DepegFactors:
		var f DepegFactors
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return f, nil
	case BridgeFactors:
		var f BridgeFactors
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return f, nil
	default:
		var f VolatilityFactors
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return f, nil
	}
}

// EncodeFactors serializes a factor struct for persistence.
func EncodeFactors(f Factors) ([]byte, error) {
	return json.Marshal(f)
}

// GlobalConfig holds the pricing knobs shared across every parameter set.
// All multipliers and loads are percent integers.
type GlobalConfig struct {
	RiskMultiplierPct int64 `json:"riskMultiplierPct"` // global market-condition dial

	// Coverage-size tiers: amounts at/above the high boundary carry the
	// full load, amounts at/above the mid boundary carry half, smaller
	// amounts carry none. Boundaries are decimal token amounts.
	SizeMidAmount  string `json:"sizeMidAmount"`
	SizeHighAmount string `json:"sizeHighAmount"`
	SizeLoadPct    int64  `json:"sizeLoadPct"` // added on top of 100

	// Duration tiers work the same way over the policy term.
	DurationMid     time.Duration `json:"durationMid"`
	DurationHigh    time.Duration `json:"durationHigh"`
	DurationLoadPct int64         `json:"durationLoadPct"`
}

// DefaultGlobalConfig mirrors launch pricing: neutral market dial, +20%
// load for coverage over 500k (half over 100k), +10% load for terms over
// 180 days (half over 90).
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		RiskMultiplierPct: 100,
		SizeMidAmount:     "100000",
		SizeHighAmount:    "500000",
		SizeLoadPct:       20,
		DurationMid:       90 * 24 * time.Hour,
		DurationHigh:      180 * 24 * time.Hour,
		DurationLoadPct:   10,
	}
}

// Validate checks the global configuration.
func (g *GlobalConfig) Validate() error {
	if g.RiskMultiplierPct <= 0 {
		return fmt.Errorf("%w: risk multiplier must be positive", ErrInvalidParams)
	}
	if g.SizeLoadPct < 0 || g.DurationLoadPct < 0 {
		return fmt.Errorf("%w: tier loads must be non-negative", ErrInvalidParams)
	}
	if g.DurationMid > g.DurationHigh {
		return fmt.Errorf("%w: duration tiers out of order", ErrInvalidParams)
	}
	return nil
}
