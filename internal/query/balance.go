package query

import (
	"context"
	"fmt"

	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CollateralPosition is a participant's deposit of one asset.
type CollateralPosition struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
	// Value is empty when the asset's price is unavailable.
	Value string `json:"value,omitempty"`
}

// AccountResponse is the live view of a participant's position, read from the
// engine's committed state.
type AccountResponse struct {
	Participant uuid.UUID            `json:"participant"`
	Collateral  []CollateralPosition `json:"collateral"`
	TotalDebt   string               `json:"total_debt"`

	// Derived values (computed at query time from current prices)
	CollateralValue string `json:"collateral_value,omitempty"`
	HealthFactor    string `json:"health_factor,omitempty"`
	Status          string `json:"status"`
	PriceError      string `json:"price_error,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// AssetResponse describes a registered collateral asset and its price.
type AssetResponse struct {
	Symbol   string `json:"symbol"`
	ID       uint16 `json:"id"`
	Decimals uint8  `json:"decimals"`
	// Price of one whole unit in the unit of account.
	Price      string `json:"price,omitempty"`
	PriceError string `json:"price_error,omitempty"`
}

// ConversionResponse is the answer to a value or amount conversion.
type ConversionResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Value  string `json:"value"`
}

// Account builds the live account view. Must run on the engine goroutine.
// Price failures do not fail the query; they are reported in PriceError and
// the derived fields are left empty.
func Account(ctx context.Context, e *core.Engine, participant uuid.UUID) (*AccountResponse, error) {
	resp := &AccountResponse{
		Participant:  participant,
		Collateral:   make([]CollateralPosition, 0),
		TotalDebt:    e.DebtOf(participant).Dec(),
		AsOfSequence: e.Sequence() - 1,
	}

	for _, symbol := range e.Assets() {
		amount, err := e.CollateralBalance(participant, symbol)
		if err != nil {
			return nil, err
		}
		if amount.IsZero() {
			continue
		}
		a, err := e.AssetInfo(symbol)
		if err != nil {
			return nil, err
		}
		pos := CollateralPosition{Asset: symbol, Amount: amount.Dec(), Decimals: a.Decimals}
		if v, err := e.ValueOf(ctx, symbol, amount); err == nil {
			pos.Value = v.Dec()
		}
		resp.Collateral = append(resp.Collateral, pos)
	}

	hf, err := e.HealthFactor(ctx, participant)
	if err != nil {
		resp.PriceError = err.Error()
		resp.Status = "unknown"
		return resp, nil
	}
	resp.HealthFactor = e.FormatHealthFactor(hf)
	resp.Status = e.HealthStatus(hf).String()

	if value, err := e.CollateralValue(ctx, participant); err == nil {
		resp.CollateralValue = value.Dec()
	}
	return resp, nil
}

// Assets lists the registered assets with their current prices.
func Assets(ctx context.Context, e *core.Engine) ([]AssetResponse, error) {
	out := make([]AssetResponse, 0, len(e.Assets()))
	for _, symbol := range e.Assets() {
		a, err := e.AssetInfo(symbol)
		if err != nil {
			return nil, err
		}
		r := AssetResponse{Symbol: a.Symbol, ID: uint16(a.ID), Decimals: a.Decimals}

		one, err := fpmath.Pow10(a.Decimals)
		if err != nil {
			return nil, err
		}
		if price, err := e.ValueOf(ctx, symbol, one); err != nil {
			r.PriceError = err.Error()
		} else {
			r.Price = fpmath.FormatUnits(price, e.Params().Precision)
		}
		out = append(out, r)
	}
	return out, nil
}

// ValueOf converts a base-unit amount of asset into its value.
func ValueOf(ctx context.Context, e *core.Engine, asset string, amount *uint256.Int) (*ConversionResponse, error) {
	v, err := e.ValueOf(ctx, asset, amount)
	if err != nil {
		return nil, fmt.Errorf("value of %s %s: %w", amount.Dec(), asset, err)
	}
	return &ConversionResponse{Asset: asset, Amount: amount.Dec(), Value: v.Dec()}, nil
}

// AmountFromValue converts a value into a base-unit amount of asset, rounding down.
func AmountFromValue(ctx context.Context, e *core.Engine, asset string, value *uint256.Int) (*ConversionResponse, error) {
	amt, err := e.AmountFromValue(ctx, asset, value)
	if err != nil {
		return nil, fmt.Errorf("amount of %s for value %s: %w", asset, value.Dec(), err)
	}
	return &ConversionResponse{Asset: asset, Amount: amt.Dec(), Value: value.Dec()}, nil
}

// AtRisk lists liquidatable participants from the live state.
func AtRisk(ctx context.Context, e *core.Engine) []AtRiskEntry {
	positions, _ := e.ScanLiquidatable(ctx)
	out := make([]AtRiskEntry, 0, len(positions))
	for _, p := range positions {
		out = append(out, newAtRiskEntry(p, e.Params().Precision))
	}
	return out
}

// AtRiskEntry is a participant below the minimum health factor.
type AtRiskEntry struct {
	Participant     uuid.UUID `json:"participant"`
	Debt            string    `json:"debt"`
	CollateralValue string    `json:"collateral_value"`
	HealthFactor    string    `json:"health_factor"`
}

func newAtRiskEntry(p state.AtRiskPosition, decimals uint8) AtRiskEntry {
	return AtRiskEntry{
		Participant:     p.UserID,
		Debt:            p.Debt.Dec(),
		CollateralValue: p.CollateralValue.Dec(),
		HealthFactor:    core.FormatHealthFactor(p.HealthFactor, decimals),
	}
}
