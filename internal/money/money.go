// Package money provides parsing and formatting for pool-asset amounts.
//
// Every insured asset is accounted in a fixed 6-decimal base unit
// (1 token = 1,000,000 units). Amounts cross package boundaries as decimal
// strings and are manipulated internally as big.Int base units.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to its base-unit big.Int
// representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// ParsePositive parses an amount and additionally requires it to be > 0.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a base-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromTokens converts a whole-token count to base units.
func FromTokens(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), unit)
}

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return new(big.Int)
}
