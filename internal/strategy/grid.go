// Package strategy contains the trading logic driven by the backtest
// runner.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	apperrors "perp_backtester/pkg/errors"
)

// GridParams configures the long grid strategy
type GridParams struct {
	Levels     int             // number of buy levels below the anchor
	SpacingPct decimal.Decimal // distance between levels, percent of anchor
	OrderUSDT  decimal.Decimal // notional per level

	// TakeProfitPct and StopLossPct close the whole position when the
	// mark moves that percent from the entry price. Zero disables.
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal

	// ReanchorBars re-centers the grid after this many bars without a
	// fill. Zero disables re-anchoring.
	ReanchorBars int
}

// Validate checks the parameter ranges
func (p GridParams) Validate() error {
	if p.Levels < 2 {
		return fmt.Errorf("%w: grid needs at least 2 levels, got %d", apperrors.ErrConfiguration, p.Levels)
	}
	if !p.SpacingPct.IsPositive() {
		return fmt.Errorf("%w: grid spacing must be positive", apperrors.ErrConfiguration)
	}
	if !p.OrderUSDT.IsPositive() {
		return fmt.Errorf("%w: grid order notional must be positive", apperrors.ErrConfiguration)
	}
	if p.TakeProfitPct.IsNegative() || p.StopLossPct.IsNegative() {
		return fmt.Errorf("%w: take profit and stop loss cannot be negative", apperrors.ErrConfiguration)
	}
	if p.ReanchorBars < 0 {
		return fmt.Errorf("%w: reanchor bars cannot be negative", apperrors.ErrConfiguration)
	}
	return nil
}

// Grid is a long-only grid: it rests post-only buys at fixed percentage
// steps below an anchor price and closes the accumulated position on a
// take profit or stop loss move. A backtesting workhorse, not meant to
// be clever.
type Grid struct {
	params GridParams
	logger core.ILogger

	anchor        decimal.Decimal
	orderIDs      []string
	barsSinceFill int
	closing       bool
}

// NewGrid creates a grid strategy
func NewGrid(params GridParams, logger core.ILogger) (*Grid, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Grid{
		params: params,
		logger: logger.WithField("strategy", "grid"),
	}, nil
}

// OnBar re-arms the grid and drives the exit logic
func (g *Grid) OnBar(ctx core.BarContext) {
	if g.anchor.IsZero() {
		// Wait for a pending exit to flatten before re-arming.
		if ctx.Position.IsFlat() {
			g.place(ctx)
		}
		return
	}

	if !ctx.Position.IsFlat() {
		if g.checkExit(ctx) {
			return
		}
	} else {
		g.closing = false
	}

	g.barsSinceFill++
	if g.params.ReanchorBars > 0 && g.barsSinceFill >= g.params.ReanchorBars && ctx.Position.IsFlat() {
		g.logger.Debug("re-anchoring grid", "old_anchor", g.anchor.String(), "close", ctx.Bar.Close.String())
		g.cancelAll(ctx.Gateway)
		g.place(ctx)
	}
}

// OnFill resets the idle counter; exits of the whole position clear the
// closing latch via the flat check in OnBar.
func (g *Grid) OnFill(fill core.Fill) {
	g.barsSinceFill = 0
	if fill.Liquidation {
		g.logger.Warn("grid position liquidated", "price", fill.Price.String())
		// The simulator already swept the resting orders.
		g.orderIDs = nil
		g.anchor = decimal.Zero
	}
}

// OnFunding is a no-op for the grid
func (g *Grid) OnFunding(core.FundingEvent) {}

// place anchors the grid at the current close and rests one post-only
// buy per level below it.
func (g *Grid) place(ctx core.BarContext) {
	g.anchor = ctx.Bar.Close
	g.barsSinceFill = 0
	g.orderIDs = g.orderIDs[:0]

	step := g.anchor.Mul(g.params.SpacingPct).Div(decimal.NewFromInt(100))
	for i := 1; i <= g.params.Levels; i++ {
		price := g.anchor.Sub(step.Mul(decimal.NewFromInt(int64(i))))
		if !price.IsPositive() {
			break
		}
		qty := g.params.OrderUSDT.Div(price)
		id, err := ctx.Gateway.Submit(&core.Order{
			Side:     core.SideBuy,
			Type:     core.OrderTypeLimit,
			Price:    price,
			Quantity: qty,
			TIF:      core.TimeInForceGTC,
			PostOnly: true,
		})
		if err != nil {
			// Typically the level rounded below the minimum notional.
			g.logger.Debug("grid level rejected", "price", price.String(), "error", err.Error())
			continue
		}
		g.orderIDs = append(g.orderIDs, id)
	}
}

// checkExit closes the position when the close price crosses the take
// profit or stop loss band. Returns true when an exit was sent.
func (g *Grid) checkExit(ctx core.BarContext) bool {
	if g.closing {
		return true
	}
	entry := ctx.Position.EntryPrice
	if entry.IsZero() {
		return false
	}

	pct := ctx.Bar.Close.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	takeProfit := g.params.TakeProfitPct.IsPositive() && pct.GreaterThanOrEqual(g.params.TakeProfitPct)
	stopLoss := g.params.StopLossPct.IsPositive() && pct.LessThanOrEqual(g.params.StopLossPct.Neg())
	if !takeProfit && !stopLoss {
		return false
	}

	g.cancelAll(ctx.Gateway)
	_, err := ctx.Gateway.Submit(&core.Order{
		Side:     core.SideSell,
		Type:     core.OrderTypeMarket,
		Quantity: ctx.Position.Quantity.Abs(),
	})
	if err != nil {
		g.logger.Error("grid exit rejected", "error", err.Error())
		return false
	}
	g.closing = true
	g.anchor = decimal.Zero
	g.logger.Info("grid exit sent",
		"entry", entry.String(), "close", ctx.Bar.Close.String(),
		"take_profit", takeProfit, "stop_loss", stopLoss)
	return true
}

func (g *Grid) cancelAll(gw core.OrderGateway) {
	for _, id := range g.orderIDs {
		gw.Cancel(id)
	}
	g.orderIDs = g.orderIDs[:0]
}
