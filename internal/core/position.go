package core

import (
	"context"

	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit pulls amount of asset from userID into custody and credits the
// participant's collateral.
func (e *Engine) Deposit(ctx context.Context, userID uuid.UUID, asset string, amount *uint256.Int) error {
	op, err := e.begin(ctx, "deposit")
	if err != nil {
		return err
	}
	defer op.end()

	tok, err := op.deposit(userID, asset, amount)
	if err != nil {
		return op.fail(err)
	}
	if err := op.pullCollateral(tok, userID, amount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// Mint records amount of new debt for userID and mints the synthetic asset
// to them. The staged health factor must stay at or above the minimum.
func (e *Engine) Mint(ctx context.Context, userID uuid.UUID, amount *uint256.Int) error {
	op, err := e.begin(ctx, "mint")
	if err != nil {
		return err
	}
	defer op.end()

	if err := op.mint(userID, amount); err != nil {
		return op.fail(err)
	}
	if err := op.issue(userID, amount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// DepositAndMint is Deposit followed by Mint as one operation.
func (e *Engine) DepositAndMint(ctx context.Context, userID uuid.UUID, asset string, collateralAmount, debtAmount *uint256.Int) error {
	op, err := e.begin(ctx, "deposit_and_mint")
	if err != nil {
		return err
	}
	defer op.end()

	tok, err := op.deposit(userID, asset, collateralAmount)
	if err != nil {
		return op.fail(err)
	}
	if err := op.mint(userID, debtAmount); err != nil {
		return op.fail(err)
	}
	if err := op.pullCollateral(tok, userID, collateralAmount); err != nil {
		return op.fail(err)
	}
	if err := op.issue(userID, debtAmount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// Burn repays amount of userID's own debt with their synthetic tokens.
func (e *Engine) Burn(ctx context.Context, userID uuid.UUID, amount *uint256.Int) error {
	op, err := e.begin(ctx, "burn")
	if err != nil {
		return err
	}
	defer op.end()

	if err := op.burn(userID, userID, amount); err != nil {
		return op.fail(err)
	}
	if err := op.requireHealthy(userID); err != nil {
		return op.fail(err)
	}
	if err := op.pullAndBurn(userID, amount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// Redeem returns amount of asset from custody to userID. The post-redeem
// health factor must stay at or above the minimum.
func (e *Engine) Redeem(ctx context.Context, userID uuid.UUID, asset string, amount *uint256.Int) error {
	op, err := e.begin(ctx, "redeem")
	if err != nil {
		return err
	}
	defer op.end()

	a, tok, err := op.redeem(userID, userID, asset, amount)
	if err != nil {
		return op.fail(err)
	}
	if err := op.requireHealthy(userID); err != nil {
		return op.fail(err)
	}
	if err := op.payOut(tok, a, userID, amount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// RedeemForBurn repays debtAmount and withdraws collateralAmount as one
// operation.
func (e *Engine) RedeemForBurn(ctx context.Context, userID uuid.UUID, asset string, collateralAmount, debtAmount *uint256.Int) error {
	op, err := e.begin(ctx, "redeem_for_burn")
	if err != nil {
		return err
	}
	defer op.end()

	if err := op.burn(userID, userID, debtAmount); err != nil {
		return op.fail(err)
	}
	a, tok, err := op.redeem(userID, userID, asset, collateralAmount)
	if err != nil {
		return op.fail(err)
	}
	if err := op.requireHealthy(userID); err != nil {
		return op.fail(err)
	}
	if err := op.pullAndBurn(userID, debtAmount); err != nil {
		return op.fail(err)
	}
	if err := op.payOut(tok, a, userID, collateralAmount); err != nil {
		return op.fail(err)
	}
	op.commit()
	return nil
}

// --- staged building blocks ---

func (op *operation) deposit(userID uuid.UUID, asset string, amount *uint256.Int) (CollateralToken, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	a, tok, err := op.e.lookup(asset)
	if err != nil {
		return nil, err
	}

	batch := op.journals().Deposit(userID, a.ID, amount)
	evt := &event.CollateralDeposited{
		RequestID: op.requestID,
		User:      userID,
		Asset:     a.Symbol,
		Amount:    new(uint256.Int).Set(amount),
	}
	if err := op.stage(evt, batch); err != nil {
		return nil, err
	}
	return tok, nil
}

// pullCollateral moves amount from userID into custody.
func (op *operation) pullCollateral(tok CollateralToken, userID uuid.UUID, amount *uint256.Int) error {
	ok, err := tok.TransferFrom(op.ctx, userID, op.e.custody, amount)
	if err := external(ok, err, ErrTransferFailed, "collateral transferFrom"); err != nil {
		return err
	}
	op.onFailure("refund_deposit", func(ctx context.Context) error {
		ok, err := tok.Transfer(ctx, userID, amount)
		return external(ok, err, ErrTransferFailed, "collateral refund")
	})
	return nil
}

// mint stages new debt and checks the resulting health factor.
func (op *operation) mint(userID uuid.UUID, amount *uint256.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}

	batch := op.journals().Mint(userID, amount)
	evt := &event.DebtMinted{
		RequestID: op.requestID,
		User:      userID,
		Amount:    new(uint256.Int).Set(amount),
	}
	if err := op.stage(evt, batch); err != nil {
		return err
	}
	return op.requireHealthy(userID)
}

// issue mints the synthetic asset to userID. It is always the last
// external movement of an operation.
func (op *operation) issue(userID uuid.UUID, amount *uint256.Int) error {
	ok, err := op.e.debt.Mint(op.ctx, userID, amount)
	return external(ok, err, ErrMintFailed, "debt mint")
}

// burn stages the debt reduction of onBehalfOf paid by from. Tokens move in pullAndBurn.
func (op *operation) burn(onBehalfOf, from uuid.UUID, amount *uint256.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if debt := ledger.DebtOf(op.tx, onBehalfOf); debt.Lt(amount) {
		return &AmountError{Err: ErrInsufficientDebt, Amount: new(uint256.Int).Set(amount)}
	}

	var batch *ledger.Batch
	if onBehalfOf == from {
		batch = op.journals().Burn(onBehalfOf, amount)
	} else {
		batch = op.journals().BurnForLiquidation(onBehalfOf, amount)
	}
	evt := &event.DebtBurned{
		RequestID:  op.requestID,
		OnBehalfOf: onBehalfOf,
		From:       from,
		Amount:     new(uint256.Int).Set(amount),
	}
	return op.stage(evt, batch)
}

// pullAndBurn moves amount of the synthetic asset from payer into custody
// and destroys it.
func (op *operation) pullAndBurn(payer uuid.UUID, amount *uint256.Int) error {
	debt := op.e.debt
	custody := op.e.custody

	ok, err := debt.TransferFrom(op.ctx, payer, custody, amount)
	if err := external(ok, err, ErrTransferFailed, "debt transferFrom"); err != nil {
		return err
	}
	op.onFailure("return_debt_tokens", func(ctx context.Context) error {
		ok, err := debt.Transfer(ctx, payer, amount)
		return external(ok, err, ErrTransferFailed, "debt refund")
	})

	if err := debt.Burn(op.ctx, amount); err != nil {
		return external(false, err, ErrBurnFailed, "debt burn")
	}
	op.onFailure("reissue_burned", func(ctx context.Context) error {
		ok, err := debt.Mint(ctx, custody, amount)
		return external(ok, err, ErrMintFailed, "reissue burned")
	})
	return nil
}

// redeem stages collateral leaving from's position for to.
func (op *operation) redeem(from, to uuid.UUID, asset string, amount *uint256.Int) (*state.Asset, CollateralToken, error) {
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}
	a, tok, err := op.e.lookup(asset)
	if err != nil {
		return nil, nil, err
	}
	if err := op.seize(from, to, a, amount); err != nil {
		return nil, nil, err
	}
	return a, tok, nil
}

func (op *operation) seize(from, to uuid.UUID, a *state.Asset, amount *uint256.Int) error {
	if held := ledger.CollateralOf(op.tx, from, a.ID); held.Lt(amount) {
		return &AmountError{Err: ErrInsufficientCollateral, Amount: new(uint256.Int).Set(amount)}
	}

	var batch *ledger.Batch
	if from == to {
		batch = op.journals().Redeem(from, a.ID, amount)
	} else {
		batch = op.journals().Seize(from, a.ID, amount)
	}
	evt := &event.CollateralRedeemed{
		RequestID: op.requestID,
		From:      from,
		To:        to,
		Asset:     a.Symbol,
		Amount:    new(uint256.Int).Set(amount),
	}
	return op.stage(evt, batch)
}

// payOut sends amount of a from custody to recipient. It is the last
// external movement of every operation that calls it.
func (op *operation) payOut(tok CollateralToken, a *state.Asset, recipient uuid.UUID, amount *uint256.Int) error {
	ok, err := tok.Transfer(op.ctx, recipient, amount)
	return external(ok, err, ErrTransferFailed, a.Symbol+" transfer")
}
