// Package usdc does fixed-point arithmetic on stablecoin amounts.
//
// Amounts are held as big.Int micro-units (1 USDC = 1,000,000 units) so
// limit comparisons never suffer float rounding.
package usdc

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

var (
	ErrInvalidAmount  = errors.New("usdc: invalid amount")
	ErrNegativeAmount = errors.New("usdc: negative amount")
)

var unit = new(big.Float).SetInt64(1_000_000)

// Parse converts a decimal string ("1.50") to micro-units (1500000).
// Empty input is zero. Negative values, signs, exponents and extra dots are
// rejected. Digits beyond the sixth decimal are truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || !digits(whole) || !digits(frac) || whole+frac == "" {
		return nil, false
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("usdc: invalid literal " + strconv.Quote(s))
	}
	return v
}

// FromFloat converts a float amount to micro-units, rounding to the nearest
// unit.
func FromFloat(f float64) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrInvalidAmount
	}
	if f < 0 {
		return nil, ErrNegativeAmount
	}
	v, ok := Parse(strconv.FormatFloat(f, 'f', Decimals, 64))
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// ToFloat converts micro-units to a float for display and feature inputs.
func ToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), unit).Float64()
	return f
}

// Format renders micro-units with exactly six decimals ("1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Compact renders micro-units without trailing zeros ("1.5", "100").
func Compact(amount *big.Int) string {
	s := strings.TrimRight(Format(amount), "0")
	return strings.TrimSuffix(s, ".")
}

// Add returns a+b without mutating either.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(orZero(a), orZero(b))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
