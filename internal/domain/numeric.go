package domain

import "math/big"

// The ledger stores 256-bit on-chain integers as decimal strings. These
// helpers centralize the "0"-default normalization and the little arithmetic
// the engine needs, all through math/big so no precision is lost.

// NormalizeAmount returns s unchanged when it parses as a decimal integer,
// and "0" for empty or malformed input. Callers rely on the result being a
// valid non-empty numeric string.
func NormalizeAmount(s string) string {
	if s == "" {
		return "0"
	}
	if _, ok := new(big.Int).SetString(s, 10); !ok {
		return "0"
	}
	return s
}

// NegateAmount returns the arithmetic negation of a decimal string, with the
// usual "0" fallback for malformed input.
func NegateAmount(s string) string {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "0"
	}
	return new(big.Int).Neg(n).String()
}

// IsZeroAmount reports whether s normalizes to zero.
func IsZeroAmount(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return true
	}
	return n.Sign() == 0
}

// CompareAmounts compares two decimal strings, returning -1, 0, or +1.
// Malformed inputs compare as zero.
func CompareAmounts(a, b string) int {
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		x = new(big.Int)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		y = new(big.Int)
	}
	return x.Cmp(y)
}
