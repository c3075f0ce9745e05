package sim

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp_backtester/internal/core"
	"perp_backtester/internal/specs"
	apperrors "perp_backtester/pkg/errors"
)

func testContract(t *testing.T) *specs.ContractSpecs {
	t.Helper()
	s, err := specs.NewContractSpecs("PI_USDT_PERP",
		decimal.RequireFromString("0.1"),
		decimal.NewFromInt(1),
		decimal.NewFromInt(5),
		decimal.NewFromInt(1),
		[]specs.RiskTier{
			{NotionalCap: decimal.NewFromInt(1000000), MaintenanceMarginRate: decimal.RequireFromString("0.004"), MaintenanceAmount: decimal.Zero},
		})
	require.NoError(t, err)
	return s
}

func newTestAccount(t *testing.T, mode core.MarginMode, leverage int64, balance int64) *MarginAccount {
	t.Helper()
	a, err := NewMarginAccount(testContract(t), mode, leverage, decimal.NewFromInt(balance))
	require.NoError(t, err)
	return a
}

func TestNewMarginAccount_Validation(t *testing.T) {
	s := testContract(t)

	_, err := NewMarginAccount(s, "portfolio", 10, decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = NewMarginAccount(s, core.MarginModeIsolated, 0, decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = NewMarginAccount(s, core.MarginModeIsolated, 126, decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}

func TestUnrealizedPnLAndEquity(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)

	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	upnl := a.UnrealizedPnL(decimal.NewFromInt(105))
	assert.True(t, upnl.Equal(decimal.NewFromInt(50)), "got %s", upnl)

	eq := a.Equity(decimal.NewFromInt(105))
	assert.True(t, eq.Equal(decimal.NewFromInt(1050)), "got %s", eq)

	// Short side flips the sign
	b := newTestAccount(t, core.MarginModeIsolated, 10, 1000)
	b.ApplyFill(core.SideSell, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	assert.True(t, b.UnrealizedPnL(decimal.NewFromInt(105)).Equal(decimal.NewFromInt(-50)))
}

func TestApplyFill_ExtendUsesWeightedEntry(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 10000)

	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(110), decimal.NewFromInt(30), decimal.Zero)

	pos := a.Position()
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(40)))
	// (100*10 + 110*30) / 40 = 107.5
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("107.5")), "got %s", pos.EntryPrice)
}

func TestApplyFill_ReduceBooksRealizedPnL(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)

	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	realized := a.ApplyFill(core.SideSell, decimal.NewFromInt(110), decimal.NewFromInt(4), decimal.Zero)

	assert.True(t, realized.Equal(decimal.NewFromInt(40)), "got %s", realized)
	assert.True(t, a.Balance().Equal(decimal.NewFromInt(1040)))

	pos := a.Position()
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)), "entry unchanged on reduce")
}

func TestApplyFill_FlipOpensAtFillPrice(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)

	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	realized := a.ApplyFill(core.SideSell, decimal.NewFromInt(90), decimal.NewFromInt(15), decimal.Zero)

	// Closed 10 at a 10 loss each
	assert.True(t, realized.Equal(decimal.NewFromInt(-100)), "got %s", realized)

	pos := a.Position()
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-5)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(90)))
}

func TestApplyFill_ShortReduceProfit(t *testing.T) {
	a := newTestAccount(t, core.MarginModeCross, 10, 1000)

	a.ApplyFill(core.SideSell, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	realized := a.ApplyFill(core.SideBuy, decimal.NewFromInt(90), decimal.NewFromInt(10), decimal.Zero)

	assert.True(t, realized.Equal(decimal.NewFromInt(100)), "short profits from falling price, got %s", realized)
	assert.True(t, a.Position().IsFlat())
}

func TestApplyFill_FeesDebitBalance(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.NewFromInt(2))
	assert.True(t, a.Balance().Equal(decimal.NewFromInt(998)))
}

func TestMarginRatio_UndefinedWhenFlat(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)

	_, ok := a.MarginRatio(decimal.NewFromInt(100))
	assert.False(t, ok)

	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)
	ratio, ok := a.MarginRatio(decimal.NewFromInt(100))
	require.True(t, ok)
	// equity 1000 / (10*100/10) = 10
	assert.True(t, ratio.Equal(decimal.NewFromInt(10)), "got %s", ratio)
}

func TestLiquidationPrice_Long(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// Allocated margin 100, maintenance 0.004*1000 = 4:
	// p = 100 + (4 - 100) / 10 = 90.4
	p, ok := a.LiquidationPrice()
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("90.4")), "got %s", p)
}

func TestLiquidationPrice_ShortCross(t *testing.T) {
	a := newTestAccount(t, core.MarginModeCross, 10, 1000)
	a.ApplyFill(core.SideSell, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// Cross collateral is the whole balance:
	// p = 100 + (4 - 1000) / (-10) = 199.6
	p, ok := a.LiquidationPrice()
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("199.6")), "got %s", p)
}

func TestSetLeverage_RejectsBreach(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 10000)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// At mark 92: upnl = -80. With 125x the allocation is 8; 8-80 < 4.
	err := a.SetLeverage(125, decimal.NewFromInt(92))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMargin))
	assert.Equal(t, int64(10), a.Leverage(), "leverage unchanged after rejection")

	// A safe change passes.
	require.NoError(t, a.SetLeverage(5, decimal.NewFromInt(92)))
	assert.Equal(t, int64(5), a.Leverage())

	// Out-of-range is always rejected.
	err = a.SetLeverage(200, decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, apperrors.ErrMargin))
}

func TestApplyFill_IsolatedGapCloseCapsLoss(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 100)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// Voluntary close into a gap far below the bankruptcy price. The raw
	// loss would be 980, but only the 100 of collateral is at risk.
	realized := a.ApplyFill(core.SideSell, decimal.NewFromInt(2), decimal.NewFromInt(10), decimal.Zero)

	assert.True(t, realized.Equal(decimal.NewFromInt(-100)), "got %s", realized)
	assert.False(t, a.Balance().IsNegative(), "balance must never go negative, got %s", a.Balance())
	assert.True(t, a.Balance().IsZero())
	assert.True(t, a.Position().IsFlat())
}

func TestApplyFill_CrossGapCloseFloorsBalance(t *testing.T) {
	a := newTestAccount(t, core.MarginModeCross, 10, 50)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// Cross margin draws the whole balance but no further.
	a.ApplyFill(core.SideSell, decimal.NewFromInt(80), decimal.NewFromInt(10), decimal.Zero)
	assert.True(t, a.Balance().IsZero(), "got %s", a.Balance())
}

func TestForceClose_FloorsBalanceAtZero(t *testing.T) {
	a := newTestAccount(t, core.MarginModeCross, 10, 50)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	a.ForceClose(decimal.NewFromInt(80)) // 200 loss against 50 balance
	assert.True(t, a.Balance().IsZero())
	assert.True(t, a.Position().IsFlat())
}

func TestForceClose_IsolatedCapsLossAtAllocatedMargin(t *testing.T) {
	a := newTestAccount(t, core.MarginModeIsolated, 10, 1000)
	a.ApplyFill(core.SideBuy, decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero)

	// Mark gaps far through the bankruptcy price. Raw loss would be 500,
	// but isolated mode risks only the 100 allocated.
	a.ForceClose(decimal.NewFromInt(50))
	assert.True(t, a.Balance().Equal(decimal.NewFromInt(900)), "got %s", a.Balance())
	assert.True(t, a.Position().IsFlat())
}
