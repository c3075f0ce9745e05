package sim

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp_backtester/internal/core"
	"perp_backtester/internal/logging"
	apperrors "perp_backtester/pkg/errors"
)

func newTestSim(t *testing.T, cfg Config) *ExchangeSim {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "PI_USDT_PERP"
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = core.MarginModeIsolated
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 10
	}
	if cfg.InitialBalance.IsZero() {
		cfg.InitialBalance = decimal.NewFromInt(1000)
	}
	s, err := NewExchangeSim(testContract(t), cfg, logging.NewNop())
	require.NoError(t, err)
	return s
}

func bar(ts int64, o, h, l, c string) core.Bar {
	return core.Bar{
		Timestamp: ts,
		Open:      decimal.RequireFromString(o),
		High:      decimal.RequireFromString(h),
		Low:       decimal.RequireFromString(l),
		Close:     decimal.RequireFromString(c),
		Volume:    decimal.NewFromInt(100),
	}
}

func TestNewExchangeSim_Validation(t *testing.T) {
	s := testContract(t)
	log := logging.NewNop()

	_, err := NewExchangeSim(s, Config{Symbol: "OTHER", MarginMode: core.MarginModeCross, Leverage: 10, InitialBalance: decimal.NewFromInt(1)}, log)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = NewExchangeSim(s, Config{Symbol: "PI_USDT_PERP", MarginMode: core.MarginModeCross, Leverage: 10,
		InitialBalance: decimal.NewFromInt(1), FeeBps: decimal.NewFromInt(-1)}, log)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}

func TestSubmit_Rejections(t *testing.T) {
	s := newTestSim(t, Config{})

	tests := []struct {
		name  string
		order core.Order
	}{
		{"unknown side", core.Order{Side: "HOLD", Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
		{"unknown type", core.Order{Side: core.SideBuy, Type: "STOP", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
		{"wrong symbol", core.Order{Symbol: "BTC_USDT_PERP", Side: core.SideBuy, Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
		{"zero price limit", core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1)}},
		{"qty rounds to zero", core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100), Quantity: decimal.RequireFromString("0.9")}},
		{"below min notional", core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, Price: decimal.RequireFromString("0.5"), Quantity: decimal.NewFromInt(1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.order
			_, err := s.Submit(&o)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidOrder))
		})
	}
	assert.Empty(t, s.OpenOrders(), "rejections must not touch the book")
}

func TestSubmit_DuplicateID(t *testing.T) {
	s := newTestSim(t, Config{})

	o := &core.Order{ID: "ord-1", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	_, err := s.Submit(o)
	require.NoError(t, err)

	dup := &core.Order{ID: "ord-1", Side: core.SideSell, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(200), Quantity: decimal.NewFromInt(1)}
	_, err = s.Submit(dup)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateOrder))
}

func TestSubmit_NormalizesToGrid(t *testing.T) {
	s := newTestSim(t, Config{})

	o := &core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.RequireFromString("100.17"), Quantity: decimal.RequireFromString("2.7")}
	id, err := s.Submit(o)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("100.1")), "price floored to tick, got %s", o.Price)
	assert.True(t, o.Quantity.Equal(decimal.NewFromInt(2)), "qty floored to lot, got %s", o.Quantity)
}

func TestTakerFillsAtNextOpen(t *testing.T) {
	s := newTestSim(t, Config{FeeBps: decimal.NewFromInt(5)})

	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(2)})
	require.NoError(t, err)

	fills, _, _ := s.OnBar(bar(60000, "101", "103", "99", "102"), decimal.Zero)
	require.Len(t, fills, 1)
	f := fills[0]
	assert.Equal(t, core.SideBuy, f.Side)
	assert.True(t, f.Price.Equal(decimal.NewFromInt(101)), "taker executes at the open, got %s", f.Price)
	// 101 * 2 * 0.0005 = 0.101
	assert.True(t, f.Fee.Equal(decimal.RequireFromString("0.101")), "got %s", f.Fee)
	assert.False(t, f.Liquidation)
}

func TestRestingBuyFillsOnFirstTouch(t *testing.T) {
	s := newTestSim(t, Config{})

	id, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(95), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	// Bar never trades down to 95: no fill.
	fills, _, _ := s.OnBar(bar(60000, "100", "101", "96", "100"), decimal.Zero)
	assert.Empty(t, fills)
	require.Len(t, s.OpenOrders(), 1)

	// Low touches the limit exactly: maker fill at the limit price.
	fills, _, _ = s.OnBar(bar(120000, "100", "100", "95", "97"), decimal.Zero)
	require.Len(t, fills, 1)
	assert.Equal(t, id, fills[0].OrderID)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(95)))
	assert.Empty(t, s.OpenOrders())
}

func TestRestingSellFillsWhenHighReaches(t *testing.T) {
	s := newTestSim(t, Config{})

	// Open a long first so the sell reduces it.
	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	_, err = s.Submit(&core.Order{Side: core.SideSell, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	fills, _, _ := s.OnBar(bar(120000, "105", "112", "104", "108"), decimal.Zero)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(110)))
	assert.True(t, fills[0].RealizedPnL.Equal(decimal.NewFromInt(10)))
	assert.True(t, s.Account().Position().IsFlat())
}

func TestCrossingGTCLimitIsTakenAtOpen(t *testing.T) {
	s := newTestSim(t, Config{})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	// A buy at or above the last price crosses and executes at the next
	// open instead of resting.
	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Empty(t, s.OpenOrders())

	fills, _, _ := s.OnBar(bar(120000, "101", "102", "100", "101"), decimal.Zero)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(101)))
}

func TestPostOnlyWouldCrossIsRejected(t *testing.T) {
	s := newTestSim(t, Config{})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	o := &core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, PostOnly: true,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	_, err := s.Submit(o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrder))
	assert.Equal(t, core.OrderStatusRejected, o.Status)

	// Below the last price it rests like any other maker order.
	o2 := &core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, PostOnly: true,
		Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(1)}
	_, err = s.Submit(o2)
	require.NoError(t, err)
	assert.Len(t, s.OpenOrders(), 1)
}

func TestIOCAndFOKNeverRest(t *testing.T) {
	s := newTestSim(t, Config{})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	for _, tif := range []core.TimeInForce{core.TimeInForceIOC, core.TimeInForceFOK} {
		_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, TIF: tif,
			Price: decimal.NewFromInt(102), Quantity: decimal.NewFromInt(1)})
		require.NoError(t, err)
	}
	assert.Empty(t, s.OpenOrders())

	fills, _, _ := s.OnBar(bar(120000, "99", "100", "98", "99"), decimal.Zero)
	assert.Len(t, fills, 2, "both execute at the open as takers")
	for _, f := range fills {
		assert.True(t, f.Price.Equal(decimal.NewFromInt(99)))
	}
}

func TestIOCAndFOKDieWhenOpenGapsThroughLimit(t *testing.T) {
	s := newTestSim(t, Config{})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	// Both cross against the last price, but the next open gaps above
	// their limits. They neither fill through the limit nor rest.
	var orders []*core.Order
	for _, tif := range []core.TimeInForce{core.TimeInForceIOC, core.TimeInForceFOK} {
		o := &core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit, TIF: tif,
			Price: decimal.NewFromInt(102), Quantity: decimal.NewFromInt(1)}
		_, err := s.Submit(o)
		require.NoError(t, err)
		orders = append(orders, o)
	}

	fills, _, _ := s.OnBar(bar(120000, "110", "112", "103", "111"), decimal.Zero)
	assert.Empty(t, fills)
	assert.Empty(t, s.OpenOrders())
	for _, o := range orders {
		assert.Equal(t, core.OrderStatusCanceled, o.Status)
	}
}

func TestCrossingGTCLimitNeverFillsThroughItsPrice(t *testing.T) {
	s := newTestSim(t, Config{})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)

	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	// The next open gaps above the limit, so the order rests instead of
	// executing at a worse price.
	fills, _, _ := s.OnBar(bar(120000, "110", "112", "108", "111"), decimal.Zero)
	assert.Empty(t, fills)
	require.Len(t, s.OpenOrders(), 1)

	// It then fills at its own limit when the range comes back to it.
	fills, _, _ = s.OnBar(bar(180000, "108", "109", "104", "106"), decimal.Zero)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(105)))
	assert.Empty(t, s.OpenOrders())
}

func TestGappedCloseKeepsIsolatedBalanceNonNegative(t *testing.T) {
	s := newTestSim(t, Config{InitialBalance: decimal.NewFromInt(100)})

	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)
	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(10)})
	require.NoError(t, err)
	s.OnBar(bar(120000, "100", "100", "100", "100"), decimal.Zero)

	// Exit into a crash: the open is far below bankruptcy, but only the
	// margin allocated to the position can be lost.
	_, err = s.Submit(&core.Order{Side: core.SideSell, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(10)})
	require.NoError(t, err)
	fills, _, sample := s.OnBar(bar(180000, "2", "3", "1", "2"), decimal.Zero)

	require.Len(t, fills, 1)
	assert.True(t, fills[0].RealizedPnL.Equal(decimal.NewFromInt(-100)), "got %s", fills[0].RealizedPnL)
	assert.False(t, sample.Balance.IsNegative(), "balance must never go negative, got %s", sample.Balance)
	assert.True(t, sample.Balance.IsZero())
	assert.True(t, s.Account().Position().IsFlat())
}

func TestCancel(t *testing.T) {
	s := newTestSim(t, Config{})

	id, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	s.Cancel(id)
	assert.Empty(t, s.OpenOrders())
	s.Cancel(id)             // idempotent
	s.Cancel("no-such-id")   // unknown ids are a no-op
	s.Cancel("")             // so is the empty id

	// A canceled pending taker never executes.
	tid, err := s.Submit(&core.Order{Side: core.SideSell, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	s.Cancel(tid)
	fills, _, _ := s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)
	assert.Empty(t, fills)
}

func TestEquityCurveSampledEveryBar(t *testing.T) {
	s := newTestSim(t, Config{})

	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)
	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, _, sample := s.OnBar(bar(120000, "100", "106", "100", "105"), decimal.Zero)

	assert.True(t, sample.Balance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, sample.UnrealizedPnL.Equal(decimal.NewFromInt(5)))
	assert.True(t, sample.Total.Equal(decimal.NewFromInt(1005)))

	curve := s.EquityCurve()
	require.Len(t, curve, 2)
	assert.Equal(t, int64(60000), curve[0].Timestamp)
	assert.Equal(t, int64(120000), curve[1].Timestamp)
}

func TestMarkPriceFallsBackToClose(t *testing.T) {
	s := newTestSim(t, Config{UseMarkPrice: true})
	s.OnBar(bar(60000, "100", "100", "100", "100"), decimal.Zero)
	_, err := s.Submit(&core.Order{Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	// Explicit mark is used when configured and present.
	_, _, sample := s.OnBar(bar(120000, "100", "106", "100", "105"), decimal.NewFromInt(103))
	assert.True(t, sample.UnrealizedPnL.Equal(decimal.NewFromInt(3)))

	// Missing mark falls back to the close.
	_, _, sample = s.OnBar(bar(180000, "105", "108", "104", "107"), decimal.Zero)
	assert.True(t, sample.UnrealizedPnL.Equal(decimal.NewFromInt(7)))
}
