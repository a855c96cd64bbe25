package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseUnits converts a human decimal string ("1.5") into base units at the
// given precision. Negative values and digits beyond the precision are rejected.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse units %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse units %q: negative amount", s)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("parse units %q: more than %d decimal places", s, decimals)
	}

	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse units %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// FormatUnits renders base units as a human decimal string.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// ParseAmount parses an amount given either in base units ("1500000000000000000")
// or, when unit is true, as a human decimal string.
func ParseAmount(s string, decimals uint8, unit bool) (*uint256.Int, error) {
	if unit {
		return ParseUnits(s, decimals)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
