package core

import (
	"context"

	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	DebtCovered    *uint256.Int
	Seized         *uint256.Int // collateral equal in value to DebtCovered
	Bonus          *uint256.Int
	TotalSeized    *uint256.Int
	StartingHealth *uint256.Int
	EndingHealth   *uint256.Int
	HealthDecimals uint8
}

// Liquidate lets liquidator repay debtToCover of debtor's debt in exchange
// for debtor's collateral of equal value plus the liquidation bonus.
//
// The debtor must be below the minimum health factor, the liquidation must
// strictly raise the debtor's health factor, and the liquidator's own
// position must stay healthy.
func (e *Engine) Liquidate(ctx context.Context, liquidator uuid.UUID, asset string, debtor uuid.UUID, debtToCover *uint256.Int) (*LiquidationResult, error) {
	op, err := e.begin(ctx, "liquidate")
	if err != nil {
		return nil, err
	}
	defer op.end()

	res, err := op.liquidate(liquidator, asset, debtor, debtToCover)
	if err != nil {
		return nil, op.fail(err)
	}
	op.commit()

	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(asset).Inc()
	}
	e.logger.Info().
		Str("request_id", op.requestID).
		Str("liquidator", liquidator.String()).
		Str("debtor", debtor.String()).
		Str("asset", asset).
		Str("debt_covered", res.DebtCovered.Dec()).
		Str("total_seized", res.TotalSeized.Dec()).
		Str("starting_hf", FormatHealthFactor(res.StartingHealth, res.HealthDecimals)).
		Str("ending_hf", FormatHealthFactor(res.EndingHealth, res.HealthDecimals)).
		Msg("position liquidated")
	return res, nil
}

func (op *operation) liquidate(liquidator uuid.UUID, asset string, debtor uuid.UUID, debtToCover *uint256.Int) (*LiquidationResult, error) {
	if err := requirePositive(debtToCover); err != nil {
		return nil, err
	}
	a, tok, err := op.e.lookup(asset)
	if err != nil {
		return nil, err
	}

	starting, err := op.healthFactor(debtor)
	if err != nil {
		return nil, err
	}
	if op.e.health.IsHealthy(starting) {
		return nil, op.e.healthError(ErrHealthFactorOk, starting)
	}

	base, err := op.e.valuator.AmountFromValue(op.ctx, a, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus, err := fpmath.MulDiv(base, uint256.NewInt(op.e.params.LiquidationBonus), uint256.NewInt(100), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	total, err := fpmath.Add(base, bonus)
	if err != nil {
		return nil, err
	}

	// a cover too small to be worth any collateral still repays debt
	if !total.IsZero() {
		if err := op.seize(debtor, liquidator, a, total); err != nil {
			return nil, err
		}
	}
	if err := op.burn(debtor, liquidator, debtToCover); err != nil {
		return nil, err
	}

	ending, err := op.healthFactor(debtor)
	if err != nil {
		return nil, err
	}
	if !starting.Lt(ending) {
		return nil, op.e.healthError(ErrHealthFactorNotImproved, ending)
	}
	if err := op.requireHealthy(liquidator); err != nil {
		return nil, err
	}

	res := &LiquidationResult{
		DebtCovered:    new(uint256.Int).Set(debtToCover),
		Seized:         base,
		Bonus:          bonus,
		TotalSeized:    total,
		StartingHealth: starting,
		EndingHealth:   ending,
		HealthDecimals: op.e.params.Precision,
	}
	summary := &event.PositionLiquidated{
		RequestID:        op.requestID,
		Liquidator:       liquidator,
		Debtor:           debtor,
		Asset:            a.Symbol,
		DebtCovered:      res.DebtCovered,
		CollateralSeized: base,
		Bonus:            bonus,
		StartingHealth:   starting,
		EndingHealth:     ending,
	}
	if err := op.stage(summary, nil); err != nil {
		return nil, err
	}

	if err := op.pullAndBurn(liquidator, debtToCover); err != nil {
		return nil, err
	}
	if !total.IsZero() {
		if err := op.payOut(tok, a, liquidator, total); err != nil {
			return nil, err
		}
	}
	op.observeHealth(ending)
	return res, nil
}
