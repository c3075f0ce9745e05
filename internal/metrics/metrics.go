// Package metrics computes performance statistics over a finished run.
package metrics

import (
	"math"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
)

// Summary aggregates the performance of one backtest run.
type Summary struct {
	TotalReturn  decimal.Decimal // (final - initial) / initial
	FinalEquity  decimal.Decimal
	SharpeRatio  float64 // annualized, zero when undefined
	MaxDrawdown  decimal.Decimal // peak-to-trough fraction of peak equity
	WinRate      decimal.Decimal // closing fills with positive realized PnL
	ProfitFactor float64 // gross profit / gross loss, +Inf when no losses
	Trades       int     // fills that realized PnL (reductions and closes)
	Fills        int
	Liquidations int
	FeesPaid     decimal.Decimal
	FundingPaid  decimal.Decimal // net, positive means the account paid
}

// Compute derives a Summary from the equity curve, fills and funding
// events of a run. barsPerYear annualizes the Sharpe ratio; pass zero
// to leave it unannualized.
func Compute(equity []core.EquitySample, fills []core.Fill, funding []core.FundingEvent, barsPerYear float64) Summary {
	var s Summary

	s.Fills = len(fills)
	wins, losses := 0, 0
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, f := range fills {
		s.FeesPaid = s.FeesPaid.Add(f.Fee)
		if f.Liquidation {
			s.Liquidations++
		}
		if f.RealizedPnL.IsZero() {
			continue
		}
		s.Trades++
		if f.RealizedPnL.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(f.RealizedPnL)
		} else {
			losses++
			grossLoss = grossLoss.Add(f.RealizedPnL.Abs())
		}
	}
	if s.Trades > 0 {
		s.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(s.Trades)))
	}
	switch {
	case grossLoss.IsPositive():
		pf, _ := grossProfit.Div(grossLoss).Float64()
		s.ProfitFactor = pf
	case grossProfit.IsPositive():
		s.ProfitFactor = math.Inf(1)
	}

	for _, ev := range funding {
		s.FundingPaid = s.FundingPaid.Add(ev.Payment)
	}

	if len(equity) == 0 {
		return s
	}

	s.FinalEquity = equity[len(equity)-1].Total
	initial := equity[0].Total
	if initial.IsPositive() {
		s.TotalReturn = s.FinalEquity.Sub(initial).Div(initial)
	}

	s.MaxDrawdown = maxDrawdown(equity)
	s.SharpeRatio = sharpe(equity, barsPerYear)
	return s
}

// maxDrawdown returns the largest peak-to-trough equity decline as a
// fraction of the peak.
func maxDrawdown(equity []core.EquitySample) decimal.Decimal {
	peak := equity[0].Total
	maxDD := decimal.Zero
	for _, e := range equity[1:] {
		if e.Total.GreaterThan(peak) {
			peak = e.Total
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(e.Total).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpe computes the annualized Sharpe ratio over per-bar returns.
// Float64 is fine here; the statistic does not feed back into the
// accounting.
func sharpe(equity []core.EquitySample, barsPerYear float64) float64 {
	if len(equity) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev, _ := equity[i-1].Total.Float64()
		cur, _ := equity[i].Total.Float64()
		if prev == 0 {
			return 0
		}
		returns = append(returns, cur/prev-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	ratio := mean / std
	if barsPerYear > 0 {
		ratio *= math.Sqrt(barsPerYear)
	}
	return ratio
}
