package state

import (
	"fmt"

	fpmath "SynthLedger/internal/math"

	"github.com/holiman/uint256"
)

// Params holds the engine's risk parameters.
type Params struct {
	// LiquidationThreshold is the percentage of collateral value that counts
	// toward backing debt (50 means 200% overcollateralization).
	LiquidationThreshold uint64
	// LiquidationBonus is the percentage of seized collateral paid on top to liquidators.
	LiquidationBonus uint64
	// Precision is the number of decimals of unit-of-account values, debt
	// amounts and health factors.
	Precision uint8
	// MinHealthFactor is the lowest acceptable health factor, scaled by Precision.
	MinHealthFactor *uint256.Int
}

const (
	DefaultLiquidationThreshold = 50
	DefaultLiquidationBonus     = 10
	DefaultPrecision            = 18

	// MaxPrecision keeps value * 10^Precision well inside 256 bits.
	MaxPrecision       = 36
	percentDenominator = 100
)

// MaxHealthFactor is reported for participants without debt.
var MaxHealthFactor = new(uint256.Int).SetAllOne()

// Scale returns 10^Precision. Precision must have passed ValidateParams.
func (p Params) Scale() *uint256.Int {
	v, err := fpmath.Pow10(p.Precision)
	if err != nil {
		panic(err)
	}
	return v
}

// DefaultParams returns 50% threshold, 10% bonus, 18 decimals and a minimum
// health factor of 1.0.
func DefaultParams() Params {
	p := Params{
		LiquidationThreshold: DefaultLiquidationThreshold,
		LiquidationBonus:     DefaultLiquidationBonus,
		Precision:            DefaultPrecision,
	}
	p.MinHealthFactor = p.Scale()
	return p
}

// ValidateParams checks that risk parameters are within valid ranges:
// 0 < threshold <= 100, bonus <= 100, 0 < precision <= 36, min health factor > 0.
func ValidateParams(p Params) error {
	if p.LiquidationThreshold == 0 || p.LiquidationThreshold > percentDenominator {
		return fmt.Errorf("liquidation_threshold must be in (0, 100], got %d", p.LiquidationThreshold)
	}
	if p.LiquidationBonus > percentDenominator {
		return fmt.Errorf("liquidation_bonus must be <= 100, got %d", p.LiquidationBonus)
	}
	if p.Precision == 0 || p.Precision > MaxPrecision {
		return fmt.Errorf("precision must be in (0, %d], got %d", MaxPrecision, p.Precision)
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.IsZero() {
		return fmt.Errorf("min_health_factor must be > 0")
	}
	return nil
}
