package state

import (
	"context"
	"fmt"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// Valuator converts between asset amounts and unit-of-account values.
// Prices are fetched on every call; nothing is cached.
type Valuator struct {
	adapter  *oracle.Adapter
	decimals uint8
}

// NewValuator returns values with the given number of decimals.
func NewValuator(adapter *oracle.Adapter, decimals uint8) *Valuator {
	return &Valuator{adapter: adapter, decimals: decimals}
}

// Decimals is the precision of prices and values.
func (v *Valuator) Decimals() uint8 { return v.decimals }

// Price returns the asset's price in the valuator's precision.
func (v *Valuator) Price(ctx context.Context, a *Asset) (*uint256.Int, error) {
	price, err := v.adapter.Price(ctx, a.Feed, v.decimals)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", a.Symbol, err)
	}
	return price, nil
}

// ValueOf returns price * amount / 10^decimals, rounded down.
func (v *Valuator) ValueOf(ctx context.Context, a *Asset, amount *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, a)
	if err != nil {
		return nil, err
	}
	scale, err := fpmath.Pow10(a.Decimals)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(price, amount, scale, fpmath.RoundDown)
}

// AmountFromValue returns value * 10^decimals / price, rounded down.
func (v *Valuator) AmountFromValue(ctx context.Context, a *Asset, value *uint256.Int) (*uint256.Int, error) {
	price, err := v.Price(ctx, a)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return new(uint256.Int), nil
	}
	scale, err := fpmath.Pow10(a.Decimals)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(value, scale, price, fpmath.RoundDown)
}
