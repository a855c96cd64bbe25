package query

import (
	"context"
	"testing"

	"SynthLedger/internal/core"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/testutil"
	"SynthLedger/internal/token"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveFixture struct {
	engine *core.Engine
	feed   *oracle.ManualFeed
	user   uuid.UUID
}

// newLiveFixture has one participant with 10 WETH deposited at $2000 and
// 5000 sUSD minted.
func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()

	custody := uuid.New()
	user := uuid.New()
	feed := oracle.NewManualFeed(2000_00000000, 8)
	weth := token.NewLedger("WETH", 18, uuid.Nil)
	synth := token.NewLedger("sUSD", 18, custody)

	e, err := core.New(core.Config{
		Assets:     []string{"WETH"},
		Feeds:      []oracle.Feed{feed},
		Decimals:   []uint8{18},
		Custody:    custody,
		Debt:       synth.As(custody),
		Collateral: map[string]core.CollateralToken{"WETH": weth.As(custody)},
	})
	require.NoError(t, err)

	ten := new(uint256.Int).Mul(uint256.NewInt(10), state.DefaultParams().Scale())
	weth.Credit(user, ten)
	weth.Approve(user, custody, ten)

	debt := new(uint256.Int).Mul(uint256.NewInt(5000), state.DefaultParams().Scale())
	require.NoError(t, e.DepositAndMint(context.Background(), user, "WETH", ten, debt))

	return &liveFixture{engine: e, feed: feed, user: user}
}

func TestAccount(t *testing.T) {
	f := newLiveFixture(t)

	acct, err := Account(context.Background(), f.engine, f.user)
	require.NoError(t, err)

	assert.Equal(t, "5000000000000000000000", acct.TotalDebt)
	require.Len(t, acct.Collateral, 1)
	assert.Equal(t, "WETH", acct.Collateral[0].Asset)
	assert.Equal(t, "10000000000000000000", acct.Collateral[0].Amount)
	assert.Equal(t, "20000000000000000000000", acct.Collateral[0].Value)
	assert.Equal(t, "20000000000000000000000", acct.CollateralValue)
	assert.Equal(t, "2", acct.HealthFactor)
	assert.Equal(t, "healthy", acct.Status)
	assert.Equal(t, int64(1), acct.AsOfSequence, "deposit and mint events")
}

func TestAccount_NoDebt(t *testing.T) {
	f := newLiveFixture(t)

	acct, err := Account(context.Background(), f.engine, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, acct.Collateral)
	assert.Equal(t, "0", acct.TotalDebt)
	assert.Equal(t, "max", acct.HealthFactor)
	assert.Equal(t, "no_debt", acct.Status)
}

func TestAccount_PriceUnavailable(t *testing.T) {
	f := newLiveFixture(t)
	f.feed.Fail(oracle.ErrOracleUnavailable)

	acct, err := Account(context.Background(), f.engine, f.user)
	require.NoError(t, err)
	assert.Equal(t, "unknown", acct.Status)
	assert.NotEmpty(t, acct.PriceError)
	assert.Empty(t, acct.HealthFactor)
	assert.Empty(t, acct.Collateral[0].Value)
}

func TestAssetsAndConversions(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()

	assets, err := Assets(ctx, f.engine)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "WETH", assets[0].Symbol)
	assert.Equal(t, uint16(1), assets[0].ID)
	assert.Equal(t, "2000", assets[0].Price)

	v, err := ValueOf(ctx, f.engine, "WETH", state.DefaultParams().Scale())
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000000", v.Value)

	a, err := AmountFromValue(ctx, f.engine, "WETH", uint256.MustFromDecimal("1000000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", a.Amount)

	_, err = ValueOf(ctx, f.engine, "DOGE", state.DefaultParams().Scale())
	assert.ErrorIs(t, err, core.ErrTokenNotAllowed)
}

func TestAtRisk(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()

	assert.Empty(t, AtRisk(ctx, f.engine))

	f.feed.SetPrice(900_00000000, 8)
	risky := AtRisk(ctx, f.engine)
	require.Len(t, risky, 1)
	assert.Equal(t, f.user, risky[0].Participant)
	assert.Equal(t, "0.9", risky[0].HealthFactor)
}

func TestPaginate(t *testing.T) {
	after := int64(42)
	q, args := paginate("SELECT 1 WHERE (a = $1)", []interface{}{"x"}, "sequence", 10, &after)
	assert.Equal(t, "SELECT 1 WHERE (a = $1) AND sequence < $2 ORDER BY sequence DESC LIMIT $3", q)
	assert.Equal(t, []interface{}{"x", int64(42), 10}, args)

	_, args = paginate("SELECT 1", nil, "sequence", 0, nil)
	assert.Equal(t, []interface{}{MaxPageSize}, args)
}

func TestQueryService_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t, "../../migrations")
	defer cleanup()

	ctx := context.Background()
	user := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, 1, 10, 0), ('external:deposits:1', 1, -10, 0)
	`, "user:"+user.String()+":collateral:1")
	require.NoError(t, err)

	qs := NewQueryService(db)

	bals, err := qs.GetBalances(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), bals.AsOfSequence)
	require.Len(t, bals.Balances, 1)
	assert.Equal(t, "10", bals.Balances[0].Balance)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	history, err := qs.GetJournalHistory(ctx, user, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, history)
}
