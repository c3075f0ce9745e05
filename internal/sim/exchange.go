// Package sim implements the exchange simulator for linear USDT-margined
// perpetual futures: order acceptance, bar-driven matching, margin
// accounting, funding settlement and tiered liquidation.
package sim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	"perp_backtester/internal/specs"
	apperrors "perp_backtester/pkg/errors"
)

// Config is the per-simulator configuration surface
type Config struct {
	Symbol          string
	MarginMode      core.MarginMode
	Leverage        int64
	FeeBps          decimal.Decimal
	FundingInterval time.Duration
	UseMarkPrice    bool
	InitialBalance  decimal.Decimal

	// FundingRates maps boundary timestamps (ms) to rates; boundaries
	// without an entry use DefaultFundingRate.
	FundingRates       map[int64]decimal.Decimal
	DefaultFundingRate decimal.Decimal
}

// ExchangeSim is one independent simulator instance. It is
// single-threaded and deterministic: bars must be fed in strictly
// ascending timestamp order, and each OnBar runs matching, margin
// update, funding and liquidation atomically before returning.
type ExchangeSim struct {
	cfg    Config
	specs  *specs.ContractSpecs
	logger core.ILogger

	account  *MarginAccount
	book     *OrderBook
	matching *MatchingEngine
	funding  *FundingEngine
	liq      *LiquidationEngine

	lastPrice decimal.Decimal
	lastTs    int64

	fills         []core.Fill
	fundingEvents []core.FundingEvent
	equityCurve   []core.EquitySample
}

// NewExchangeSim constructs a simulator bound to one contract.
// Malformed configuration fails construction with ErrConfiguration.
func NewExchangeSim(s *specs.ContractSpecs, cfg Config, logger core.ILogger) (*ExchangeSim, error) {
	if cfg.Symbol != s.Symbol {
		return nil, fmt.Errorf("%w: config symbol %q does not match specs %q", apperrors.ErrConfiguration, cfg.Symbol, s.Symbol)
	}
	if cfg.FeeBps.IsNegative() {
		return nil, fmt.Errorf("%w: fee bps cannot be negative", apperrors.ErrConfiguration)
	}
	if cfg.FundingInterval < 0 {
		return nil, fmt.Errorf("%w: funding interval cannot be negative", apperrors.ErrConfiguration)
	}

	account, err := NewMarginAccount(s, cfg.MarginMode, cfg.Leverage, cfg.InitialBalance)
	if err != nil {
		return nil, err
	}

	book := NewOrderBook()
	return &ExchangeSim{
		cfg:      cfg,
		specs:    s,
		logger:   logger.WithField("symbol", cfg.Symbol),
		account:  account,
		book:     book,
		matching: NewMatchingEngine(s, book, cfg.FeeBps),
		funding:  NewFundingEngine(cfg.FundingInterval.Milliseconds(), s.Multiplier, cfg.FundingRates, cfg.DefaultFundingRate),
		liq:      NewLiquidationEngine(cfg.Symbol, logger),
	}, nil
}

// Account returns the simulator's margin account
func (s *ExchangeSim) Account() *MarginAccount { return s.account }

// Fills returns every fill emitted so far, in timestamp order
func (s *ExchangeSim) Fills() []core.Fill { return s.fills }

// FundingEvents returns every funding settlement so far
func (s *ExchangeSim) FundingEvents() []core.FundingEvent { return s.fundingEvents }

// EquityCurve returns the per-bar equity samples
func (s *ExchangeSim) EquityCurve() []core.EquitySample { return s.equityCurve }

// OpenOrders returns the resting orders in insertion order
func (s *ExchangeSim) OpenOrders() []*core.Order { return s.book.Resting() }

// wouldCross reports whether a limit order would take liquidity on
// arrival, judged against the last traded price. Before the first bar
// there is no matching boundary, so nothing crosses.
func (s *ExchangeSim) wouldCross(side core.Side, price decimal.Decimal) bool {
	if s.lastPrice.IsZero() {
		return false
	}
	if side == core.SideBuy {
		return price.Cmp(s.lastPrice) >= 0
	}
	return price.Cmp(s.lastPrice) <= 0
}

// Submit validates, normalizes and accepts an order.
//
// Prices and quantities are floored to the contract's tick/lot grid.
// Market orders and IOC/FOK orders are queued for immediate evaluation
// at the next bar open and never rest; GTC limit orders that would cross
// on arrival are treated the same way. A queued limit order only
// executes if the open respects its limit; otherwise a GTC goes back to
// the book and an IOC/FOK dies. Post-only orders that would cross are
// rejected. All rejections wrap ErrInvalidOrder (or ErrDuplicateOrder)
// and leave the simulator unchanged.
func (s *ExchangeSim) Submit(o *core.Order) (string, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if s.book.Contains(o.ID) {
		return "", fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, o.ID)
	}
	if o.Symbol == "" {
		o.Symbol = s.cfg.Symbol
	} else if o.Symbol != s.cfg.Symbol {
		return "", fmt.Errorf("%w: symbol %q not traded here", apperrors.ErrInvalidOrder, o.Symbol)
	}
	if o.Side != core.SideBuy && o.Side != core.SideSell {
		return "", fmt.Errorf("%w: unknown side %q", apperrors.ErrInvalidOrder, o.Side)
	}
	if o.TIF == "" {
		o.TIF = core.TimeInForceGTC
	}

	qty := s.specs.RoundQty(o.Quantity)
	if qty.IsZero() {
		return "", fmt.Errorf("%w: quantity %s rounds to zero lots", apperrors.ErrInvalidOrder, o.Quantity)
	}
	o.Quantity = qty

	switch o.Type {
	case core.OrderTypeLimit:
		if !o.Price.IsPositive() {
			return "", fmt.Errorf("%w: limit order requires a positive price", apperrors.ErrInvalidOrder)
		}
		o.Price = s.specs.RoundPrice(o.Price)
		if !o.Price.IsPositive() {
			return "", fmt.Errorf("%w: price %s rounds to zero", apperrors.ErrInvalidOrder, o.Price)
		}
		if !s.specs.ValidNotional(o.Price, o.Quantity) {
			return "", fmt.Errorf("%w: notional %s below minimum %s",
				apperrors.ErrInvalidOrder, o.Price.Mul(o.Quantity), s.specs.MinNotional)
		}
	case core.OrderTypeMarket:
		o.Price = decimal.Zero
		if !s.lastPrice.IsZero() && !s.specs.ValidNotional(s.lastPrice, o.Quantity) {
			return "", fmt.Errorf("%w: notional %s below minimum %s",
				apperrors.ErrInvalidOrder, s.lastPrice.Mul(o.Quantity), s.specs.MinNotional)
		}
	default:
		return "", fmt.Errorf("%w: unknown order type %q", apperrors.ErrInvalidOrder, o.Type)
	}

	crosses := o.Type == core.OrderTypeMarket || (o.Type == core.OrderTypeLimit && s.wouldCross(o.Side, o.Price))
	if o.PostOnly && crosses {
		o.Status = core.OrderStatusRejected
		return "", fmt.Errorf("%w: post-only order would cross at %s", apperrors.ErrInvalidOrder, s.lastPrice)
	}

	o.Status = core.OrderStatusNew
	o.CreatedAt = s.lastTs

	if o.Type == core.OrderTypeMarket || o.TIF == core.TimeInForceIOC || o.TIF == core.TimeInForceFOK || crosses {
		s.matching.EnqueueTaker(o)
	} else {
		s.book.Add(o)
	}
	return o.ID, nil
}

// Cancel removes an order that has not executed yet. Unknown or already
// terminal ids are a no-op.
func (s *ExchangeSim) Cancel(id string) {
	if o := s.book.Remove(id); o != nil {
		o.Status = core.OrderStatusCanceled
		return
	}
	s.matching.CancelPending(id)
}

// SetLeverage forwards to the account, using the last seen price as the
// mark for the breach check.
func (s *ExchangeSim) SetLeverage(leverage int64) error {
	return s.account.SetLeverage(leverage, s.lastPrice)
}

// OnBar advances the simulator by one bar. mark is the bar's mark price;
// pass zero (or configure UseMarkPrice=false) to fall back to the close.
// Returns the fills and funding events of this bar and the end-of-bar
// equity sample, in the order they occurred.
func (s *ExchangeSim) OnBar(bar core.Bar, mark decimal.Decimal) ([]core.Fill, []core.FundingEvent, core.EquitySample) {
	if !s.cfg.UseMarkPrice || mark.IsZero() {
		mark = bar.Close
	}
	s.lastTs = bar.Timestamp

	var fills []core.Fill

	// Matching, with a solvency check after every fill.
	for _, f := range s.matching.ProcessBar(bar) {
		f.RealizedPnL = s.account.ApplyFill(f.Side, f.Price, f.Quantity, f.Fee)
		fills = append(fills, f)
		if liqFill := s.liq.Check(s.account, mark, bar.Timestamp); liqFill != nil {
			fills = append(fills, *liqFill)
			s.cancelAllResting()
		}
	}

	// Funding settlement, re-checking solvency after each payment.
	var events []core.FundingEvent
	for _, ev := range s.funding.Apply(bar.Timestamp, mark, s.account) {
		events = append(events, ev)
		if liqFill := s.liq.Check(s.account, mark, bar.Timestamp); liqFill != nil {
			fills = append(fills, *liqFill)
			s.cancelAllResting()
		}
	}

	// Mark move alone can breach maintenance too.
	if liqFill := s.liq.Check(s.account, mark, bar.Timestamp); liqFill != nil {
		fills = append(fills, *liqFill)
		s.cancelAllResting()
	}

	sample := core.EquitySample{
		Timestamp:     bar.Timestamp,
		Balance:       s.account.Balance(),
		UnrealizedPnL: s.account.UnrealizedPnL(mark),
		Total:         s.account.Equity(mark),
	}

	s.lastPrice = bar.Close
	s.fills = append(s.fills, fills...)
	s.fundingEvents = append(s.fundingEvents, events...)
	s.equityCurve = append(s.equityCurve, sample)

	return fills, events, sample
}

// cancelAllResting clears the book after a liquidation; isolated-margin
// orders do not survive the position they margined.
func (s *ExchangeSim) cancelAllResting() {
	for _, o := range s.book.Clear() {
		o.Status = core.OrderStatusCanceled
	}
}
