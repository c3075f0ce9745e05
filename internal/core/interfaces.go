package core

import (
	"github.com/shopspring/decimal"
)

// OrderGateway is the order surface the simulator exposes to strategies
type OrderGateway interface {
	// Submit validates and accepts an order, returning its id.
	// Rejections wrap apperrors.ErrInvalidOrder; the run continues.
	Submit(order *Order) (string, error)
	// Cancel removes a resting order. Unknown ids are a no-op.
	Cancel(id string)
	// OpenOrders returns the currently resting orders in insertion order.
	OpenOrders() []*Order
}

// BarContext is the per-bar view handed to a strategy after the
// simulator has processed the bar.
type BarContext struct {
	Bar       Bar
	MarkPrice decimal.Decimal
	Balance   decimal.Decimal
	Equity    decimal.Decimal
	Position  Position
	Gateway   OrderGateway
}

// Strategy is the callback contract for trading logic driven by the
// backtest runner. Implementations must not retain the BarContext.
type Strategy interface {
	OnBar(ctx BarContext)
	OnFill(fill Fill)
	OnFunding(event FundingEvent)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
