package sim

import (
	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
)

// FundingEngine applies funding payments whenever a bar timestamp
// crosses an epoch-aligned funding boundary. Each boundary is settled at
// most once per simulator run.
type FundingEngine struct {
	multiplier decimal.Decimal
	intervalMs int64

	rates       map[int64]decimal.Decimal // boundary ts -> rate
	defaultRate decimal.Decimal

	lastBoundary int64
	primed       bool
}

// NewFundingEngine creates an engine with the given interval. rates may
// be nil; boundaries without an entry use defaultRate.
func NewFundingEngine(intervalMs int64, multiplier decimal.Decimal, rates map[int64]decimal.Decimal, defaultRate decimal.Decimal) *FundingEngine {
	return &FundingEngine{
		multiplier:  multiplier,
		intervalMs:  intervalMs,
		rates:       rates,
		defaultRate: defaultRate,
	}
}

// boundaryBefore returns the greatest boundary <= ts
func (f *FundingEngine) boundaryBefore(ts int64) int64 {
	return ts - ts%f.intervalMs
}

// Apply settles every boundary crossed since the last applied one.
// The first bar only primes the engine: funding for boundaries that
// predate the data cannot be settled. Payment sign follows the usual
// convention, longs pay positive rates.
func (f *FundingEngine) Apply(ts int64, mark decimal.Decimal, acct *MarginAccount) []core.FundingEvent {
	if f.intervalMs <= 0 {
		return nil
	}
	if !f.primed {
		f.lastBoundary = f.boundaryBefore(ts)
		f.primed = true
		return nil
	}

	var events []core.FundingEvent
	for b := f.lastBoundary + f.intervalMs; b <= ts; b += f.intervalMs {
		f.lastBoundary = b
		pos := acct.Position()
		if pos.IsFlat() {
			continue
		}
		rate, ok := f.rates[b]
		if !ok {
			rate = f.defaultRate
		}
		if rate.IsZero() {
			continue
		}
		payment := rate.Mul(pos.Quantity).Mul(mark).Mul(f.multiplier)
		acct.Credit(payment.Neg())
		events = append(events, core.FundingEvent{
			Timestamp: b,
			Rate:      rate,
			Payment:   payment,
		})
	}
	return events
}
