package core_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type fixture struct {
	engine   *core.Engine
	custody  uuid.UUID
	weth     *token.Ledger
	wbtc     *token.Ledger
	synth    *token.Ledger
	wethFeed *oracle.ManualFeed
	wbtcFeed *oracle.ManualFeed
	persist  chan core.CoreOutput
	proj     chan core.CoreOutput
}

var fixedClock = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

// newFixture registers WETH at $2000 and WBTC at $30000, both with 8-decimal feeds.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		custody:  uuid.MustParse("00000000-0000-0000-0000-00000000c0de"),
		wethFeed: oracle.NewManualFeed(2000_00000000, 8),
		wbtcFeed: oracle.NewManualFeed(30000_00000000, 8),
		persist:  make(chan core.CoreOutput, 1024),
		proj:     make(chan core.CoreOutput, 1024),
	}
	f.weth = token.NewLedger("WETH", 18, uuid.Nil)
	f.wbtc = token.NewLedger("WBTC", 8, uuid.Nil)
	f.synth = token.NewLedger("sUSD", 18, f.custody)

	e, err := core.New(core.Config{
		Assets:   []string{"WETH", "WBTC"},
		Feeds:    []oracle.Feed{f.wethFeed, f.wbtcFeed},
		Decimals: []uint8{18, 8},
		Custody:  f.custody,
		Debt:     f.synth.As(f.custody),
		Collateral: map[string]core.CollateralToken{
			"WETH": f.weth.As(f.custody),
			"WBTC": f.wbtc.As(f.custody),
		},
		Clock:          fixedClock,
		Metrics:        observability.NewMetrics(),
		PersistChan:    f.persist,
		ProjectionChan: f.proj,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

// fund gives user WETH and approves custody on both WETH and the synthetic asset.
func (f *fixture) fund(user uuid.UUID, weth *uint256.Int) {
	max := new(uint256.Int).SetAllOne()
	f.weth.Credit(user, weth)
	f.weth.Approve(user, f.custody, max)
	f.synth.Approve(user, f.custody, max)
}

func (f *fixture) setWETHPrice(dollars int64) {
	f.wethFeed.SetPrice(dollars*100_000_000, 8)
}

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), state.DefaultParams().Scale())
}

func dec(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// --- Construction ---

func TestNew_MismatchedAssetsAndFeeds(t *testing.T) {
	synth := token.NewLedger("sUSD", 18, uuid.New())
	_, err := core.New(core.Config{
		Assets:  []string{"WETH", "WBTC"},
		Feeds:   []oracle.Feed{oracle.NewManualFeed(1, 0)},
		Custody: uuid.New(),
		Debt:    synth.As(uuid.New()),
	})
	require.ErrorIs(t, err, core.ErrMismatchedConfig)

	_, err = core.New(core.Config{
		Assets:   []string{"WETH", "WBTC"},
		Feeds:    []oracle.Feed{oracle.NewManualFeed(1, 0), oracle.NewManualFeed(1, 0)},
		Decimals: []uint8{18},
		Custody:  uuid.New(),
		Debt:     synth.As(uuid.New()),
	})
	require.ErrorIs(t, err, core.ErrMismatchedConfig)
	assert.Contains(t, err.Error(), "2 assets, 1 decimals")
	assert.NotContains(t, err.Error(), "feed")
}

func TestNew_RejectsDuplicateAssetAndBadParams(t *testing.T) {
	custody := uuid.New()
	weth := token.NewLedger("WETH", 18, uuid.Nil)
	base := core.Config{
		Assets:     []string{"WETH", "WETH"},
		Feeds:      []oracle.Feed{oracle.NewManualFeed(1, 0), oracle.NewManualFeed(1, 0)},
		Custody:    custody,
		Debt:       token.NewLedger("sUSD", 18, custody).As(custody),
		Collateral: map[string]core.CollateralToken{"WETH": weth.As(custody)},
	}
	_, err := core.New(base)
	require.ErrorIs(t, err, state.ErrDuplicateAsset)

	base.Assets = []string{"WETH"}
	base.Feeds = base.Feeds[:1]
	bad := state.DefaultParams()
	bad.LiquidationThreshold = 0
	base.Params = &bad
	_, err = core.New(base)
	require.Error(t, err)

	base.Params = nil
	base.Collateral = nil
	_, err = core.New(base)
	require.Error(t, err, "asset without token must be rejected")
}

// --- Deposit ---

func TestDeposit_IncreasesCollateralAndPullsTokens(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))

	require.NoError(t, f.engine.Deposit(context.Background(), user, "WETH", e18(10)))

	bal, err := f.engine.CollateralBalance(user, "WETH")
	require.NoError(t, err)
	assert.True(t, bal.Eq(e18(10)))
	assert.True(t, f.weth.BalanceOf(user).IsZero())
	assert.True(t, f.weth.BalanceOf(f.custody).Eq(e18(10)))

	value, err := f.engine.CollateralValue(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, value.Eq(e18(20_000)), "got %s", value.Dec())

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	assert.Equal(t, event.EventTypeCollateralDeposited, outputs[0].Envelope.EventType)
	assert.Equal(t, user, outputs[0].Envelope.Participant)
	assert.Len(t, outputs[0].Batch.Journals, 1)
}

func TestDeposit_Rejections(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(1))
	ctx := context.Background()

	err := f.engine.Deposit(ctx, user, "WETH", new(uint256.Int))
	assert.ErrorIs(t, err, core.ErrNeedsMoreThanZero)

	err = f.engine.Deposit(ctx, user, "DOGE", e18(1))
	assert.ErrorIs(t, err, core.ErrTokenNotAllowed)

	// more than the user holds: token ledger refuses
	err = f.engine.Deposit(ctx, user, "WETH", e18(2))
	assert.ErrorIs(t, err, core.ErrTransferFailed)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)

	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.IsZero())
	assert.Empty(t, drainOutputs(f.persist))
	assert.Equal(t, int64(0), f.engine.Sequence())
}

func TestDeposit_FalseReturnIsTransferFailure(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(1))
	f.weth.SetHook(func(ctx context.Context, op token.Op, from, to uuid.UUID, amount *uint256.Int) error {
		return token.ErrDeclined
	})

	err := f.engine.Deposit(context.Background(), user, "WETH", e18(1))
	require.ErrorIs(t, err, core.ErrTransferFailed)
	assert.True(t, f.weth.BalanceOf(user).Eq(e18(1)))
}

// --- Mint ---

func TestMint_BoundaryAtMinimumHealthFactor(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.Deposit(ctx, user, "WETH", e18(10)))

	// $20000 of collateral at 50% backs exactly $10000
	over := new(uint256.Int).AddUint64(e18(10_000), 1)
	err := f.engine.Mint(ctx, user, over)
	require.ErrorIs(t, err, core.ErrBreaksHealthFactor)

	var hfErr *core.HealthFactorError
	require.True(t, errors.As(err, &hfErr))
	assert.True(t, hfErr.HealthFactor.Lt(state.DefaultParams().Scale()))
	assert.True(t, f.engine.DebtOf(user).IsZero())
	assert.True(t, f.synth.TotalSupply().IsZero())

	require.NoError(t, f.engine.Mint(ctx, user, e18(10_000)))
	hf, err := f.engine.HealthFactor(ctx, user)
	require.NoError(t, err)
	assert.True(t, hf.Eq(state.DefaultParams().Scale()), "got %s", hf.Dec())
	assert.True(t, f.synth.BalanceOf(user).Eq(e18(10_000)))
}

func TestMint_WithoutCollateralFails(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Mint(context.Background(), uuid.New(), e18(1))
	require.ErrorIs(t, err, core.ErrBreaksHealthFactor)
}

func TestMint_OracleUnavailable(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(1))
	ctx := context.Background()
	require.NoError(t, f.engine.Deposit(ctx, user, "WETH", e18(1)))

	f.wethFeed.Fail(errors.New("feed offline"))
	err := f.engine.Mint(ctx, user, e18(1))
	require.ErrorIs(t, err, core.ErrOracleUnavailable)
	assert.True(t, f.engine.DebtOf(user).IsZero())

	// no debt: health factor needs no price
	hf, err := f.engine.HealthFactor(ctx, user)
	require.NoError(t, err)
	assert.True(t, hf.Eq(state.MaxHealthFactor))
}

func TestHealthFactor_MaxWithoutDebt(t *testing.T) {
	f := newFixture(t)
	hf, err := f.engine.HealthFactor(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, hf.Eq(state.MaxHealthFactor))
	assert.Equal(t, "max", core.FormatHealthFactor(hf, state.DefaultPrecision))
}

// --- DepositAndMint ---

func TestDepositAndMint_EmitsTwoEvents(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))

	require.NoError(t, f.engine.DepositAndMint(context.Background(), user, "WETH", e18(10), e18(1000)))

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 2)
	assert.Equal(t, event.EventTypeCollateralDeposited, outputs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeDebtMinted, outputs[1].Envelope.EventType)
	assert.Equal(t, int64(0), outputs[0].Envelope.Sequence)
	assert.Equal(t, int64(1), outputs[1].Envelope.Sequence)
	assert.Equal(t, outputs[0].Envelope.StateHash, outputs[1].Envelope.PrevHash)
	assert.Equal(t, outputs[0].Envelope.IdempotencyKey, outputs[1].Envelope.IdempotencyKey)

	assert.True(t, f.engine.DebtOf(user).Eq(e18(1000)))
	hf, err := f.engine.HealthFactor(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, hf.Eq(e18(10)), "got %s", hf.Dec())
}

func TestDepositAndMint_MintFailureRefundsCollateral(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	f.synth.SetHook(func(ctx context.Context, op token.Op, from, to uuid.UUID, amount *uint256.Int) error {
		if op == token.OpMint {
			return token.ErrDeclined
		}
		return nil
	})

	err := f.engine.DepositAndMint(context.Background(), user, "WETH", e18(10), e18(1000))
	require.ErrorIs(t, err, core.ErrMintFailed)
	assert.NotErrorIs(t, err, core.ErrCompensationFailed)

	assert.True(t, f.weth.BalanceOf(user).Eq(e18(10)), "collateral refunded")
	assert.True(t, f.weth.BalanceOf(f.custody).IsZero())
	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.IsZero())
	assert.True(t, f.engine.DebtOf(user).IsZero())
	assert.Empty(t, drainOutputs(f.persist))
	assert.Equal(t, core.GenesisHash(), f.engine.StateHash())
}

func TestDepositAndMint_HealthFailureMovesNothing(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(1))

	err := f.engine.DepositAndMint(context.Background(), user, "WETH", e18(1), e18(1001))
	require.ErrorIs(t, err, core.ErrBreaksHealthFactor)
	assert.True(t, f.weth.BalanceOf(user).Eq(e18(1)))
	assert.True(t, f.synth.TotalSupply().IsZero())
}

// --- Burn ---

func TestBurn_ReducesDebtAndSupply(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(1000)))

	require.NoError(t, f.engine.Burn(ctx, user, e18(400)))
	assert.True(t, f.engine.DebtOf(user).Eq(e18(600)))
	assert.True(t, f.synth.BalanceOf(user).Eq(e18(600)))
	assert.True(t, f.synth.TotalSupply().Eq(e18(600)))
	assert.True(t, f.synth.BalanceOf(f.custody).IsZero())
}

func TestBurn_MoreThanDebt(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(100)))

	err := f.engine.Burn(ctx, user, e18(101))
	require.ErrorIs(t, err, core.ErrInsufficientDebt)
	var amtErr *core.AmountError
	require.True(t, errors.As(err, &amtErr))
	assert.True(t, amtErr.Amount.Eq(e18(101)))
	assert.True(t, f.engine.DebtOf(user).Eq(e18(100)))
}

func TestBurn_BurnFailureReturnsTokens(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(100)))

	f.synth.SetHook(func(ctx context.Context, op token.Op, from, to uuid.UUID, amount *uint256.Int) error {
		if op == token.OpBurn {
			return errors.New("burn paused")
		}
		return nil
	})
	err := f.engine.Burn(ctx, user, e18(50))
	require.ErrorIs(t, err, core.ErrBurnFailed)
	assert.True(t, f.synth.BalanceOf(user).Eq(e18(100)))
	assert.True(t, f.engine.DebtOf(user).Eq(e18(100)))
}

// --- Redeem ---

func TestRedeem_WhileHealthy(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(5000)))

	// 5 WETH ($10000) still backs $5000 at exactly 1.0
	require.NoError(t, f.engine.Redeem(ctx, user, "WETH", e18(5)))
	assert.True(t, f.weth.BalanceOf(user).Eq(e18(5)))

	err := f.engine.Redeem(ctx, user, "WETH", uint256.NewInt(1))
	require.ErrorIs(t, err, core.ErrBreaksHealthFactor)
	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.Eq(e18(5)))
}

func TestRedeem_MoreThanDeposited(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(2))
	ctx := context.Background()
	require.NoError(t, f.engine.Deposit(ctx, user, "WETH", e18(2)))

	err := f.engine.Redeem(ctx, user, "WETH", e18(3))
	require.ErrorIs(t, err, core.ErrInsufficientCollateral)

	// without debt redeeming everything needs no price
	f.wethFeed.Fail(errors.New("offline"))
	require.NoError(t, f.engine.Redeem(ctx, user, "WETH", e18(2)))
	assert.True(t, f.weth.BalanceOf(user).Eq(e18(2)))
}

func TestRedeemForBurn_RoundTrip(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(1000)))
	drainOutputs(f.persist)

	require.NoError(t, f.engine.RedeemForBurn(ctx, user, "WETH", e18(10), e18(1000)))

	assert.True(t, f.weth.BalanceOf(user).Eq(e18(10)))
	assert.True(t, f.synth.TotalSupply().IsZero())
	assert.True(t, f.engine.DebtOf(user).IsZero())
	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.IsZero())

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 2)
	assert.Equal(t, event.EventTypeDebtBurned, outputs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeCollateralRedeemed, outputs[1].Envelope.EventType)
}

func TestRedeemForBurn_TransferFailureRestoresDebtTokens(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(1000)))

	f.weth.SetHook(func(ctx context.Context, op token.Op, from, to uuid.UUID, amount *uint256.Int) error {
		if op == token.OpTransfer {
			return token.ErrDeclined
		}
		return nil
	})
	err := f.engine.RedeemForBurn(ctx, user, "WETH", e18(5), e18(500))
	require.ErrorIs(t, err, core.ErrTransferFailed)
	assert.NotErrorIs(t, err, core.ErrCompensationFailed)

	assert.True(t, f.synth.BalanceOf(user).Eq(e18(1000)))
	assert.True(t, f.synth.TotalSupply().Eq(e18(1000)))
	assert.True(t, f.engine.DebtOf(user).Eq(e18(1000)))
	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.Eq(e18(10)))
}

// --- Reentrancy ---

func TestReentrantCallFromTokenHookRejected(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(2))

	var inner error
	f.weth.SetHook(func(ctx context.Context, op token.Op, from, to uuid.UUID, amount *uint256.Int) error {
		if op == token.OpTransferFrom && inner == nil {
			inner = f.engine.Deposit(ctx, user, "WETH", e18(1))
		}
		return nil
	})

	require.NoError(t, f.engine.Deposit(context.Background(), user, "WETH", e18(1)))
	require.ErrorIs(t, inner, core.ErrReentrantCall)

	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.Eq(e18(1)))

	// the guard is released afterwards
	f.weth.SetHook(nil)
	require.NoError(t, f.engine.Deposit(context.Background(), user, "WETH", e18(1)))
}

// --- Liquidation ---

// liquidationSetup: debtor holds 10 WETH against 1000 debt, liquidator
// holds 20 WETH against 1000 debt, both opened at $2000.
func liquidationSetup(t *testing.T) (*fixture, uuid.UUID, uuid.UUID) {
	f := newFixture(t)
	debtor, liquidator := uuid.New(), uuid.New()
	f.fund(debtor, e18(10))
	f.fund(liquidator, e18(20))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, debtor, "WETH", e18(10), e18(1000)))
	require.NoError(t, f.engine.DepositAndMint(ctx, liquidator, "WETH", e18(20), e18(1000)))
	drainOutputs(f.persist)
	return f, debtor, liquidator
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	f, debtor, liquidator := liquidationSetup(t)

	_, err := f.engine.Liquidate(context.Background(), liquidator, "WETH", debtor, e18(100))
	require.ErrorIs(t, err, core.ErrHealthFactorOk)
	var hfErr *core.HealthFactorError
	require.True(t, errors.As(err, &hfErr))
	assert.True(t, hfErr.HealthFactor.Eq(e18(10)))
}

func TestLiquidate_NotImprovedLeavesEverythingUntouched(t *testing.T) {
	f, debtor, liquidator := liquidationSetup(t)
	f.setWETHPrice(100)

	ctx := context.Background()
	hf, err := f.engine.HealthFactor(ctx, debtor)
	require.NoError(t, err)
	assert.True(t, hf.Eq(dec("500000000000000000")))

	seq, hash := f.engine.Sequence(), f.engine.StateHash()

	// seizing 5.5 WETH for 500 leaves 4.5 WETH against 500: 0.45
	_, err = f.engine.Liquidate(ctx, liquidator, "WETH", debtor, e18(500))
	require.ErrorIs(t, err, core.ErrHealthFactorNotImproved)
	var hfErr *core.HealthFactorError
	require.True(t, errors.As(err, &hfErr))
	assert.True(t, hfErr.HealthFactor.Eq(dec("450000000000000000")), "got %s", hfErr.HealthFactor.Dec())

	assert.Equal(t, seq, f.engine.Sequence())
	assert.Equal(t, hash, f.engine.StateHash())
	assert.True(t, f.engine.DebtOf(debtor).Eq(e18(1000)))
	bal, _ := f.engine.CollateralBalance(debtor, "WETH")
	assert.True(t, bal.Eq(e18(10)))
	assert.True(t, f.synth.BalanceOf(liquidator).Eq(e18(1000)))
	assert.True(t, f.weth.BalanceOf(liquidator).IsZero())
	assert.Empty(t, drainOutputs(f.persist))
}

func TestLiquidate_SeizesCollateralWithBonus(t *testing.T) {
	f, debtor, liquidator := liquidationSetup(t)
	f.setWETHPrice(180)
	ctx := context.Background()

	res, err := f.engine.Liquidate(ctx, liquidator, "WETH", debtor, e18(500))
	require.NoError(t, err)

	assert.True(t, res.Seized.Eq(dec("2777777777777777777")), "base %s", res.Seized.Dec())
	assert.True(t, res.Bonus.Eq(dec("277777777777777777")), "bonus %s", res.Bonus.Dec())
	assert.True(t, res.TotalSeized.Eq(dec("3055555555555555554")))
	assert.True(t, res.StartingHealth.Eq(dec("900000000000000000")))
	assert.True(t, res.EndingHealth.Eq(dec("1250000000000000000")), "ending %s", res.EndingHealth.Dec())

	bal, _ := f.engine.CollateralBalance(debtor, "WETH")
	assert.True(t, bal.Eq(dec("6944444444444444446")))
	assert.True(t, f.engine.DebtOf(debtor).Eq(e18(500)))
	assert.True(t, f.weth.BalanceOf(liquidator).Eq(res.TotalSeized))
	assert.True(t, f.synth.BalanceOf(liquidator).Eq(e18(500)))
	assert.True(t, f.synth.TotalSupply().Eq(e18(1500)))
	// liquidator's own position is untouched
	assert.True(t, f.engine.DebtOf(liquidator).Eq(e18(1000)))

	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 3)
	assert.Equal(t, event.EventTypeCollateralRedeemed, outputs[0].Envelope.EventType)
	assert.Equal(t, event.EventTypeDebtBurned, outputs[1].Envelope.EventType)
	assert.Equal(t, event.EventTypePositionLiquidated, outputs[2].Envelope.EventType)
	assert.Nil(t, outputs[2].Batch)

	redeemed := outputs[0].Event.(*event.CollateralRedeemed)
	assert.Equal(t, debtor, redeemed.From)
	assert.Equal(t, liquidator, redeemed.To)
	burned := outputs[1].Event.(*event.DebtBurned)
	assert.Equal(t, debtor, burned.OnBehalfOf)
	assert.Equal(t, liquidator, burned.From)
}

func TestLiquidate_InsufficientCollateralForBonus(t *testing.T) {
	f, debtor, liquidator := liquidationSetup(t)
	f.setWETHPrice(100)

	// 1000 of cover needs 11 WETH, debtor has 10
	_, err := f.engine.Liquidate(context.Background(), liquidator, "WETH", debtor, e18(1000))
	require.ErrorIs(t, err, core.ErrInsufficientCollateral)
}

func TestLiquidate_LiquidatorMustStayHealthy(t *testing.T) {
	f := newFixture(t)
	debtor, liquidator := uuid.New(), uuid.New()
	f.fund(debtor, e18(10))
	f.fund(liquidator, e18(1))
	ctx := context.Background()
	require.NoError(t, f.engine.DepositAndMint(ctx, debtor, "WETH", e18(10), e18(1000)))
	require.NoError(t, f.engine.DepositAndMint(ctx, liquidator, "WETH", e18(1), e18(1000)))

	// at $180 the liquidator (1 WETH vs 1000) is far below 1.0
	f.setWETHPrice(180)
	_, err := f.engine.Liquidate(ctx, liquidator, "WETH", debtor, e18(500))
	require.ErrorIs(t, err, core.ErrBreaksHealthFactor)
	assert.True(t, f.engine.DebtOf(debtor).Eq(e18(1000)))
}

func TestLiquidate_UnknownAssetAndZeroCover(t *testing.T) {
	f, debtor, liquidator := liquidationSetup(t)
	ctx := context.Background()

	_, err := f.engine.Liquidate(ctx, liquidator, "WETH", debtor, new(uint256.Int))
	assert.ErrorIs(t, err, core.ErrNeedsMoreThanZero)
	_, err = f.engine.Liquidate(ctx, liquidator, "DOGE", debtor, e18(1))
	assert.ErrorIs(t, err, core.ErrTokenNotAllowed)
}

// --- Hash chain, idempotency, snapshots ---

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [32]byte {
		f := newFixture(t)
		user := uuid.MustParse("11111111-1111-1111-1111-111111111111")
		f.fund(user, e18(10))
		ctx := core.WithRequestID(context.Background(), "req-1")
		require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(10), e18(1000)))
		ctx = core.WithRequestID(context.Background(), "req-2")
		require.NoError(t, f.engine.Burn(ctx, user, e18(10)))
		return f.engine.StateHash()
	}

	h1, h2 := run(), run()
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, core.GenesisHash(), h1)
}

func TestExecute_DuplicateRequestIgnored(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()

	cmd := core.DepositCommand{Request: core.Request{ID: "dep-1"}, User: user, Asset: "WETH", Amount: e18(5)}
	res, err := f.engine.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Sequence)

	res, err = f.engine.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	bal, _ := f.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.Eq(e18(5)))
	outputs := drainOutputs(f.persist)
	require.Len(t, outputs, 1)
	assert.Equal(t, "dep-1", outputs[0].Envelope.IdempotencyKey)
}

func TestExecute_FailedRequestCanBeRetried(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	cmd := core.DepositCommand{Request: core.Request{ID: "dep-retry"}, User: user, Asset: "WETH", Amount: e18(1)}
	_, err := f.engine.Execute(ctx, cmd)
	require.ErrorIs(t, err, core.ErrTransferFailed)

	f.fund(user, e18(1))
	res, err := f.engine.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestSnapshotRestoreAndReplay(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(user, e18(10))
	ctx := context.Background()
	require.NoError(t, f.engine.Deposit(ctx, user, "WETH", e18(4)))
	snap := f.engine.CreateSnapshotState()
	drainOutputs(f.persist)

	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", e18(6), e18(2000)))
	tail := drainOutputs(f.persist)
	require.Len(t, tail, 2)

	restored := newFixture(t)
	require.NoError(t, restored.engine.RestoreFromSnapshot(snap))
	for _, o := range tail {
		require.NoError(t, restored.engine.ReplayBatch(o.Envelope, o.Batch))
	}

	assert.Equal(t, f.engine.Sequence(), restored.engine.Sequence())
	assert.Equal(t, f.engine.StateHash(), restored.engine.StateHash())
	assert.True(t, restored.engine.DebtOf(user).Eq(e18(2000)))
	bal, _ := restored.engine.CollateralBalance(user, "WETH")
	assert.True(t, bal.Eq(e18(10)))

	// replaying an already-applied sequence is a no-op, a gap is an error
	require.NoError(t, restored.engine.ReplayBatch(tail[0].Envelope, tail[0].Batch))
	gap := *tail[1].Envelope
	gap.Sequence += 5
	require.Error(t, restored.engine.ReplayBatch(&gap, tail[1].Batch))
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	f := newFixture(t)
	// replace with a full projection channel
	proj := make(chan core.CoreOutput, 1)
	persist := make(chan core.CoreOutput, 16)
	e, err := core.New(core.Config{
		Assets:         []string{"WETH"},
		Feeds:          []oracle.Feed{f.wethFeed},
		Custody:        f.custody,
		Debt:           f.synth.As(f.custody),
		Collateral:     map[string]core.CollateralToken{"WETH": f.weth.As(f.custody)},
		PersistChan:    persist,
		ProjectionChan: proj,
	})
	require.NoError(t, err)

	user := uuid.New()
	f.fund(user, e18(5))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Deposit(context.Background(), user, "WETH", e18(1)))
	}
	assert.Len(t, drainOutputs(persist), 5)
	assert.Len(t, drainOutputs(proj), 1)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, []string{"WETH", "WBTC"}, f.engine.Assets())

	// 1 WBTC (8 decimals) at $30000
	v, err := f.engine.ValueOf(ctx, "WBTC", uint256.NewInt(100_000_000))
	require.NoError(t, err)
	assert.True(t, v.Eq(e18(30_000)))

	amt, err := f.engine.AmountFromValue(ctx, "WETH", e18(1000))
	require.NoError(t, err)
	assert.True(t, amt.Eq(dec("500000000000000000")))

	feed, err := f.engine.PriceFeed("WBTC")
	require.NoError(t, err)
	assert.Same(t, f.wbtcFeed, feed)

	_, err = f.engine.PriceFeed("DOGE")
	assert.ErrorIs(t, err, core.ErrTokenNotAllowed)

	assert.Equal(t, uint64(50), f.engine.Params().LiquidationThreshold)
	assert.Equal(t, uint64(10), f.engine.Params().LiquidationBonus)
}

func TestScanLiquidatable(t *testing.T) {
	f, debtor, _ := liquidationSetup(t)
	f.setWETHPrice(180)

	atRisk, skipped := f.engine.ScanLiquidatable(context.Background())
	assert.Empty(t, skipped)
	require.Len(t, atRisk, 1)
	assert.Equal(t, debtor, atRisk[0].UserID)
}

func TestCollateralHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	f.fund(a, e18(10))
	f.fund(b, e18(10))

	require.NoError(t, f.engine.Deposit(ctx, a, "WETH", e18(3)))
	require.NoError(t, f.engine.Deposit(ctx, b, "WETH", e18(4)))

	held := f.engine.CollateralHeld()
	assert.True(t, held["WETH"].Eq(e18(7)))
	assert.True(t, held["WBTC"].IsZero())
	assert.True(t, f.weth.BalanceOf(f.custody).Eq(held["WETH"]))
}

func TestEngine_ConfiguredPrecision(t *testing.T) {
	ctx := context.Background()
	custody := uuid.New()
	user := uuid.New()
	weth := token.NewLedger("WETH", 18, uuid.Nil)
	synth := token.NewLedger("sUSD", 6, custody)

	params := state.DefaultParams()
	params.Precision = 6
	params.MinHealthFactor = params.Scale()

	e, err := core.New(core.Config{
		Assets:     []string{"WETH"},
		Feeds:      []oracle.Feed{oracle.NewManualFeed(2000_00000000, 8)},
		Decimals:   []uint8{18},
		Params:     &params,
		Custody:    custody,
		Debt:       synth.As(custody),
		Collateral: map[string]core.CollateralToken{"WETH": weth.As(custody)},
	})
	require.NoError(t, err)

	weth.Credit(user, e18(1))
	weth.Approve(user, custody, e18(1))

	// 1 WETH at $2000 backs exactly 1000 sUSD with 6 decimals
	require.NoError(t, e.DepositAndMint(ctx, user, "WETH", e18(1), uint256.NewInt(1000_000000)))
	assert.Equal(t, "1000000000", synth.BalanceOf(user).Dec())

	hf, err := e.HealthFactor(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "1000000", hf.Dec())
	assert.Equal(t, "1", e.FormatHealthFactor(hf))

	value, err := e.CollateralValue(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "2000000000", value.Dec())

	err = e.Mint(ctx, user, uint256.NewInt(1))
	var hfErr *core.HealthFactorError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, uint8(6), hfErr.Decimals)
	assert.Contains(t, err.Error(), "health factor 0.999999")
}

func TestQueries_RepeatableWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(user, e18(10))
	require.NoError(t, f.engine.DepositAndMint(ctx, user, "WETH", dec("7300000000000000001"), dec("1234567890123456789012")))

	value1, err := f.engine.CollateralValue(ctx, user)
	require.NoError(t, err)
	hf1, err := f.engine.HealthFactor(ctx, user)
	require.NoError(t, err)
	debt1, cv1, err := f.engine.AccountInformation(ctx, user)
	require.NoError(t, err)
	seq, hash := f.engine.Sequence(), f.engine.StateHash()

	for i := 0; i < 3; i++ {
		value2, err := f.engine.CollateralValue(ctx, user)
		require.NoError(t, err)
		hf2, err := f.engine.HealthFactor(ctx, user)
		require.NoError(t, err)
		debt2, cv2, err := f.engine.AccountInformation(ctx, user)
		require.NoError(t, err)

		assert.True(t, value1.Eq(value2))
		assert.True(t, hf1.Eq(hf2))
		assert.True(t, debt1.Eq(debt2))
		assert.True(t, cv1.Eq(cv2))
	}
	assert.Equal(t, seq, f.engine.Sequence())
	assert.Equal(t, hash, f.engine.StateHash())
}

// requireSolvent asserts collateralValue * threshold / 100 >= debt.
func requireSolvent(t *testing.T, f *fixture, user uuid.UUID, step string) {
	t.Helper()
	debt, value, err := f.engine.AccountInformation(context.Background(), user)
	require.NoError(t, err, step)
	backing := new(uint256.Int).Mul(value, uint256.NewInt(f.engine.Params().LiquidationThreshold))
	backing.Div(backing, uint256.NewInt(100))
	require.False(t, backing.Lt(debt), "%s: backing %s < debt %s", step, backing.Dec(), debt.Dec())
}

func TestSolvencyHoldsAcrossRandomOperations(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2024} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(seed))

			users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
			for _, u := range users {
				f.fund(u, e18(50))
				f.wbtc.Credit(u, uint256.NewInt(5_00000000))
				f.wbtc.Approve(u, f.custody, new(uint256.Int).SetAllOne())
			}
			assets := []string{"WETH", "WBTC"}
			amountOf := func(asset string) *uint256.Int {
				if asset == "WBTC" {
					return uint256.NewInt(uint64(rng.Int63n(1_00000000)) + 1)
				}
				return new(uint256.Int).Mul(uint256.NewInt(uint64(rng.Int63n(5000))+1), uint256.NewInt(1e15))
			}
			debtAmount := func() *uint256.Int {
				return new(uint256.Int).Mul(uint256.NewInt(uint64(rng.Int63n(20000))+1), uint256.NewInt(1e17))
			}

			succeeded := 0
			for i := 0; i < 300; i++ {
				if i%50 == 0 {
					f.setWETHPrice(1500 + rng.Int63n(1000))
				}
				user := users[rng.Intn(len(users))]
				asset := assets[rng.Intn(len(assets))]

				var name string
				var err error
				switch rng.Intn(6) {
				case 0:
					name, err = "deposit", f.engine.Deposit(ctx, user, asset, amountOf(asset))
				case 1:
					name, err = "mint", f.engine.Mint(ctx, user, debtAmount())
				case 2:
					name, err = "deposit_and_mint", f.engine.DepositAndMint(ctx, user, asset, amountOf(asset), debtAmount())
				case 3:
					name, err = "burn", f.engine.Burn(ctx, user, debtAmount())
				case 4:
					name, err = "redeem", f.engine.Redeem(ctx, user, asset, amountOf(asset))
				default:
					name, err = "redeem_for_burn", f.engine.RedeemForBurn(ctx, user, asset, amountOf(asset), debtAmount())
				}
				if err != nil {
					continue
				}
				succeeded++
				requireSolvent(t, f, user, fmt.Sprintf("step %d %s", i, name))
			}
			require.Positive(t, succeeded)
		})
	}
}
