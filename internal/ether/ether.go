// Package ether provides shared parsing and formatting of native-currency
// amounts.
//
// Amounts are carried as big.Int in wei, the smallest unit
// (1 ether = 10^18 wei). Decimal strings such as "0.1" are the wire format.
package ether

import (
	"math/big"
	"strings"
)

const Decimals = 18

// BpsDenominator is the basis-point scale used for ratios (10000 = 100%).
const BpsDenominator = 10_000

// Parse converts a decimal string (e.g. "0.1") to wei. Returns (nil, false)
// on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 18 fractional digits are rejected rather than truncated
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
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
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return nil, false
		}
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for constants and tests; it panics on bad input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("ether: invalid amount " + s)
	}
	return v
}

// Format converts wei to a decimal string with trailing fractional zeros
// removed (e.g. 350000000000000000 -> "0.35", 10^18 -> "1").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")
	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// MulBps returns amount * bps / 10000, rounded down.
func MulBps(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(BpsDenominator))
}

// Equal reports whether two amounts are equal, treating nil as zero.
func Equal(a, b *big.Int) bool {
	return orZero(a).Cmp(orZero(b)) == 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
