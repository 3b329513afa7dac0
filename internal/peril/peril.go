// Package peril defines the core risk domain types shared by the detection
// pipeline and the claims engine: the closed set of insurable risk kinds,
// the RiskSignal record emitted by the classifier, and the opaque evidence
// blob attached to dispatched claims.
package peril

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRiskKind = errors.New("peril: invalid risk kind")
	ErrEmptyEvidence   = errors.New("peril: empty evidence")
)

// RiskKind is the closed set of insurable event categories.
type RiskKind uint8

const (
	KindExploit RiskKind = iota
	KindDepeg
	KindBridgeFailure
	KindVolatility

	kindCount
)

// Valid reports whether the kind is within the closed set.
func (k RiskKind) Valid() bool {
	return k < kindCount
}

// String returns the canonical lowercase name.
func (k RiskKind) String() string {
	switch k {
	case KindExploit:
		return "exploit"
	case KindDepeg:
		return "depeg"
	case KindBridgeFailure:
		return "bridge_failure"
	case KindVolatility:
		return "volatility"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseRiskKind converts a canonical name back into a RiskKind.
func ParseRiskKind(s string) (RiskKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exploit":
		return KindExploit, nil
	case "depeg":
		return KindDepeg, nil
	case "bridge_failure":
		return KindBridgeFailure, nil
	case "volatility":
		return KindVolatility, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRiskKind, s)
	}
}

// Kinds returns all valid risk kinds, in declaration order.
func Kinds() []RiskKind {
	return []RiskKind{KindExploit, KindDepeg, KindBridgeFailure, KindVolatility}
}

// MarshalText implements encoding.TextMarshaler so kinds serialize as names.
func (k RiskKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRiskKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RiskKind) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// RiskSignal is an immutable detected-event record produced by the event
// classifier and consumed (at most once per cooldown window) by the claim
// dispatcher. Target and Asset are lowercase hex addresses; either may be
// empty depending on the kind.
type RiskSignal struct {
	ID          string    `json:"id"`
	Kind        RiskKind  `json:"kind"`
	Target      string    `json:"target,omitempty"`
	Asset       string    `json:"asset,omitempty"`
	SourceChain uint64    `json:"sourceChain"`
	Amount      string    `json:"amount,omitempty"`   // exploit: triggering transfer amount
	OldPrice    int64     `json:"oldPrice,omitempty"` // prices scaled by 1e8
	NewPrice    int64     `json:"newPrice,omitempty"`
	WindowStart time.Time `json:"windowStart,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// NormalizeAddress lowercases an address-like identifier for use as a map key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
