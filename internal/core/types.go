// Package core defines the shared domain types for the backtest simulator
package core

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit from market orders
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long an order may stay working
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// MarginMode selects the collateral model for the account
type MarginMode string

const (
	MarginModeIsolated MarginMode = "isolated"
	MarginModeCross    MarginMode = "cross"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Bar is one OHLCV candle. Timestamp is the bar open time in ms UTC.
type Bar struct {
	Timestamp int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Order is a trading instruction submitted to the simulator.
// Price is required for limit orders and ignored for market orders.
type Order struct {
	ID       string
	Symbol   string
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
	TIF      TimeInForce
	PostOnly bool
	Status   OrderStatus

	// CreatedAt is the timestamp of the bar during which the order was
	// submitted (0 if submitted before the first bar).
	CreatedAt int64
}

// Fill is an immutable execution record.
// RealizedPnL is the PnL booked by this fill against the pre-fill entry
// price (zero for fills that only extend the position).
type Fill struct {
	OrderID     string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	Timestamp   int64
	Liquidation bool
}

// FundingEvent records one funding settlement.
// Payment is the amount debited from the account: positive means the
// account paid, negative means it received.
type FundingEvent struct {
	Timestamp int64
	Rate      decimal.Decimal
	Payment   decimal.Decimal
}

// EquitySample is a point-in-time account snapshot taken once per bar.
type EquitySample struct {
	Timestamp     int64
	Balance       decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Total         decimal.Decimal
}

// Position is the net exposure in one contract.
// Quantity is signed: positive long, negative short, zero flat.
type Position struct {
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
}

// IsFlat reports whether there is no open exposure
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Side returns the direction of the open exposure; SideBuy when flat.
func (p Position) Side() Side {
	if p.Quantity.IsNegative() {
		return SideSell
	}
	return SideBuy
}
