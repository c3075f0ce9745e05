package sim

import (
	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	"perp_backtester/internal/specs"
)

// MatchingEngine consumes one bar at a time and decides which pending
// taker orders and resting limit orders execute, and at what price.
// It never touches the account; fills are applied by the caller.
type MatchingEngine struct {
	specs   *specs.ContractSpecs
	feeRate decimal.Decimal // fraction, e.g. 0.0005 for 5 bps

	book    *OrderBook
	pending []*core.Order // market/IOC/FOK and crossing limits, executed at next open
}

// NewMatchingEngine creates an engine over the given book.
// feeBps is the fee rate in basis points applied to every fill.
func NewMatchingEngine(s *specs.ContractSpecs, book *OrderBook, feeBps decimal.Decimal) *MatchingEngine {
	return &MatchingEngine{
		specs:   s,
		feeRate: feeBps.Div(decimal.NewFromInt(10000)),
		book:    book,
	}
}

// EnqueueTaker schedules an order for immediate evaluation at the next
// bar's open price.
func (m *MatchingEngine) EnqueueTaker(o *core.Order) {
	m.pending = append(m.pending, o)
}

// CancelPending removes a not-yet-evaluated taker order by id.
// Returns true if it was pending.
func (m *MatchingEngine) CancelPending(id string) bool {
	for i, o := range m.pending {
		if o.ID == id {
			o.Status = core.OrderStatusCanceled
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// PendingTakers returns the orders awaiting evaluation at the next open
func (m *MatchingEngine) PendingTakers() []*core.Order {
	out := make([]*core.Order, len(m.pending))
	copy(out, m.pending)
	return out
}

// fee computes the fee charged on an execution
func (m *MatchingEngine) fee(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(m.specs.Multiplier).Mul(m.feeRate)
}

// ProcessBar runs the per-bar matching policy and returns the fills in
// execution order:
//
//  1. Pending market/IOC/FOK orders (and limit orders that crossed on
//     arrival) execute at the bar open. A pending limit order is only
//     marketable at the open when the open respects its limit (buy:
//     open <= limit, sell: open >= limit); if the market gapped through,
//     a GTC limit goes to the book instead and an IOC/FOK is canceled.
//     The single-fill-at-open policy has no partial-liquidity limit, so
//     FOK's all-or-nothing condition is always met and IOC never leaves
//     a remainder.
//  2. Resting GTC limit orders execute at their own limit price when the
//     bar range touches it: buys when low <= limit, sells when
//     high >= limit. Evaluation follows insertion order; an order either
//     fully fills or keeps resting.
func (m *MatchingEngine) ProcessBar(bar core.Bar) []core.Fill {
	var fills []core.Fill

	for _, o := range m.pending {
		if o.Type == core.OrderTypeLimit {
			marketable := (o.Side == core.SideBuy && bar.Open.LessThanOrEqual(o.Price)) ||
				(o.Side == core.SideSell && bar.Open.GreaterThanOrEqual(o.Price))
			if !marketable {
				if o.TIF == core.TimeInForceGTC {
					m.book.Add(o)
				} else {
					o.Status = core.OrderStatusCanceled
				}
				continue
			}
		}
		o.Status = core.OrderStatusFilled
		fills = append(fills, core.Fill{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     bar.Open,
			Quantity:  o.Quantity,
			Fee:       m.fee(bar.Open, o.Quantity),
			Timestamp: bar.Timestamp,
		})
	}
	m.pending = nil

	for _, o := range m.book.Resting() {
		touched := (o.Side == core.SideBuy && bar.Low.LessThanOrEqual(o.Price)) ||
			(o.Side == core.SideSell && bar.High.GreaterThanOrEqual(o.Price))
		if !touched {
			continue
		}
		m.book.Remove(o.ID)
		o.Status = core.OrderStatusFilled
		fills = append(fills, core.Fill{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     o.Price, // maker execution at the resting price
			Quantity:  o.Quantity,
			Fee:       m.fee(o.Price, o.Quantity),
			Timestamp: bar.Timestamp,
		})
	}

	return fills
}
