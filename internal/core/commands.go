package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Command is a mutating request addressed to the engine.
type Command interface {
	// Operation names the engine operation, used for routing and metrics.
	Operation() string
	// RequestID is the idempotency key. Empty means "always execute".
	RequestID() string
}

// Request carries the idempotency key shared by every command.
type Request struct {
	ID string
}

func (r Request) RequestID() string { return r.ID }

type DepositCommand struct {
	Request
	User   uuid.UUID
	Asset  string
	Amount *uint256.Int
}

type MintCommand struct {
	Request
	User   uuid.UUID
	Amount *uint256.Int
}

type DepositAndMintCommand struct {
	Request
	User             uuid.UUID
	Asset            string
	CollateralAmount *uint256.Int
	DebtAmount       *uint256.Int
}

type BurnCommand struct {
	Request
	User   uuid.UUID
	Amount *uint256.Int
}

type RedeemCommand struct {
	Request
	User   uuid.UUID
	Asset  string
	Amount *uint256.Int
}

type RedeemForBurnCommand struct {
	Request
	User             uuid.UUID
	Asset            string
	CollateralAmount *uint256.Int
	DebtAmount       *uint256.Int
}

type LiquidateCommand struct {
	Request
	Liquidator  uuid.UUID
	Debtor      uuid.UUID
	Asset       string
	DebtToCover *uint256.Int
}

func (DepositCommand) Operation() string        { return "deposit" }
func (MintCommand) Operation() string           { return "mint" }
func (DepositAndMintCommand) Operation() string { return "deposit_and_mint" }
func (BurnCommand) Operation() string           { return "burn" }
func (RedeemCommand) Operation() string         { return "redeem" }
func (RedeemForBurnCommand) Operation() string  { return "redeem_for_burn" }
func (LiquidateCommand) Operation() string      { return "liquidate" }

// Result reports the outcome of an executed command.
type Result struct {
	RequestID string
	Operation string
	// Duplicate is set when the request id was already processed; nothing ran.
	Duplicate bool
	// Sequence is the next sequence number after the command.
	Sequence    int64
	StateHash   [32]byte
	Liquidation *LiquidationResult
}

// Execute runs cmd unless its request id has already been processed.
func (e *Engine) Execute(ctx context.Context, cmd Command) (Result, error) {
	res := Result{RequestID: cmd.RequestID(), Operation: cmd.Operation()}

	if id := cmd.RequestID(); id != "" {
		if e.idempotency.IsDuplicate(cmd.Operation(), id) {
			res.Duplicate = true
			res.Sequence = e.sequence
			res.StateHash = e.StateHash()
			return res, nil
		}
		ctx = WithRequestID(ctx, id)
	}

	var err error
	switch c := cmd.(type) {
	case DepositCommand:
		err = e.Deposit(ctx, c.User, c.Asset, c.Amount)
	case MintCommand:
		err = e.Mint(ctx, c.User, c.Amount)
	case DepositAndMintCommand:
		err = e.DepositAndMint(ctx, c.User, c.Asset, c.CollateralAmount, c.DebtAmount)
	case BurnCommand:
		err = e.Burn(ctx, c.User, c.Amount)
	case RedeemCommand:
		err = e.Redeem(ctx, c.User, c.Asset, c.Amount)
	case RedeemForBurnCommand:
		err = e.RedeemForBurn(ctx, c.User, c.Asset, c.CollateralAmount, c.DebtAmount)
	case LiquidateCommand:
		res.Liquidation, err = e.Liquidate(ctx, c.Liquidator, c.Asset, c.Debtor, c.DebtToCover)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	res.Sequence = e.sequence
	res.StateHash = e.StateHash()
	return res, err
}
