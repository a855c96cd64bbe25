package state

import (
	"context"

	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// HealthEvaluator computes collateral value and health factor for a
// participant against any ledger view, committed or staged.
type HealthEvaluator struct {
	registry *Registry
	valuator *Valuator
	params   Params
}

func NewHealthEvaluator(registry *Registry, valuator *Valuator, params Params) *HealthEvaluator {
	return &HealthEvaluator{
		registry: registry,
		valuator: valuator,
		params:   params,
	}
}

// CollateralValue sums the value of every registered asset the participant
// holds, in registry order. Assets with a zero balance are skipped without
// querying their feed.
func (h *HealthEvaluator) CollateralValue(ctx context.Context, r ledger.Reader, userID uuid.UUID) (*uint256.Int, error) {
	total := new(uint256.Int)

	for _, a := range h.registry.assets {
		amount := ledger.CollateralOf(r, userID, a.ID)
		if amount.IsZero() {
			continue
		}

		value, err := h.valuator.ValueOf(ctx, a, amount)
		if err != nil {
			return nil, err
		}

		if total, err = fpmath.Add(total, value); err != nil {
			return nil, err
		}
	}

	return total, nil
}

// AccountInformation returns (debt, collateral value).
func (h *HealthEvaluator) AccountInformation(ctx context.Context, r ledger.Reader, userID uuid.UUID) (*uint256.Int, *uint256.Int, error) {
	debt := ledger.DebtOf(r, userID)
	value, err := h.CollateralValue(ctx, r, userID)
	if err != nil {
		return nil, nil, err
	}
	return debt, value, nil
}

// HealthFactor returns MaxHealthFactor when the participant has no debt,
// otherwise (collateralValue * threshold / 100) * 10^precision / debt.
func (h *HealthEvaluator) HealthFactor(ctx context.Context, r ledger.Reader, userID uuid.UUID) (*uint256.Int, error) {
	debt := ledger.DebtOf(r, userID)
	if debt.IsZero() {
		return new(uint256.Int).Set(MaxHealthFactor), nil
	}

	value, err := h.CollateralValue(ctx, r, userID)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, value, h.params)
}

// CalculateHealthFactor is the pure health-factor formula:
// (collateralValue * threshold / 100) * 10^precision / debt.
func CalculateHealthFactor(debt, collateralValue *uint256.Int, p Params) (*uint256.Int, error) {
	if debt.IsZero() {
		return new(uint256.Int).Set(MaxHealthFactor), nil
	}

	adjusted, err := fpmath.MulDiv(collateralValue, uint256.NewInt(p.LiquidationThreshold), uint256.NewInt(percentDenominator), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(adjusted, p.Scale(), debt, fpmath.RoundDown)
}

// IsHealthy reports hf >= MinHealthFactor.
func (h *HealthEvaluator) IsHealthy(hf *uint256.Int) bool {
	return !hf.Lt(h.params.MinHealthFactor)
}

// Status classifies a health factor.
func (h *HealthEvaluator) Status(hf *uint256.Int) HealthStatus {
	switch {
	case hf.Eq(MaxHealthFactor):
		return HealthStatusNoDebt
	case h.IsHealthy(hf):
		return HealthStatusHealthy
	default:
		return HealthStatusLiquidatable
	}
}

func (h *HealthEvaluator) Params() Params {
	return h.params
}

// HealthStatus represents a participant's solvency
type HealthStatus int

const (
	HealthStatusNoDebt HealthStatus = iota
	HealthStatusHealthy
	HealthStatusLiquidatable
)

func (s HealthStatus) String() string {
	switch s {
	case HealthStatusNoDebt:
		return "no_debt"
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}
