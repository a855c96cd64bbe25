package core

import (
	"errors"
	"fmt"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"

	"github.com/holiman/uint256"
)

var (
	// input validation
	ErrNeedsMoreThanZero = errors.New("engine: amount must be more than zero")
	ErrTokenNotAllowed   = errors.New("engine: token not allowed")
	ErrMismatchedConfig  = errors.New("engine: configuration lists differ in length")

	// invariants
	ErrBreaksHealthFactor     = errors.New("engine: health factor broken")
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")
	ErrInsufficientDebt       = errors.New("engine: burn exceeds minted debt")

	// external dependencies
	ErrTransferFailed = errors.New("engine: transfer failed")
	ErrMintFailed     = errors.New("engine: mint failed")
	ErrBurnFailed     = errors.New("engine: burn failed")
	// ErrOracleUnavailable is the oracle adapter's error, re-exported for callers of this package.
	ErrOracleUnavailable = oracle.ErrOracleUnavailable

	// liquidation
	ErrHealthFactorOk          = errors.New("engine: health factor ok")
	ErrHealthFactorNotImproved = errors.New("engine: health factor not improved")

	ErrReentrantCall      = errors.New("engine: reentrant call")
	ErrCompensationFailed = errors.New("engine: compensation failed")
	ErrUnknownCommand     = errors.New("engine: unknown command")
	ErrRunnerStopped      = errors.New("engine: runner stopped")
)

// HealthFactorError carries the ratio that caused a health-related failure.
type HealthFactorError struct {
	Err          error
	HealthFactor *uint256.Int
	Decimals     uint8 // scale of HealthFactor
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("%v (health factor %s)", e.Err, FormatHealthFactor(e.HealthFactor, e.Decimals))
}

func (e *HealthFactorError) Unwrap() error { return e.Err }

// AmountError carries the offending amount.
type AmountError struct {
	Err    error
	Amount *uint256.Int
}

func (e *AmountError) Error() string {
	if e.Amount == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (amount %s)", e.Err, e.Amount.Dec())
}

func (e *AmountError) Unwrap() error { return e.Err }

// FormatHealthFactor renders a health factor with the given scale as a
// decimal ratio, or "max".
func FormatHealthFactor(hf *uint256.Int, decimals uint8) string {
	if hf == nil {
		return "<nil>"
	}
	if hf.Eq(state.MaxHealthFactor) {
		return "max"
	}
	return fpmath.FormatUnits(hf, decimals)
}

// RejectReason maps an operation error to a short metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNeedsMoreThanZero):
		return "zero_amount"
	case errors.Is(err, ErrTokenNotAllowed):
		return "token_not_allowed"
	case errors.Is(err, ErrBreaksHealthFactor):
		return "health_factor_broken"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrInsufficientDebt):
		return "insufficient_debt"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrBurnFailed):
		return "burn_failed"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrHealthFactorOk):
		return "health_factor_ok"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "health_factor_not_improved"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	default:
		return "other"
	}
}
