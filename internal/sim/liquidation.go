package sim

import (
	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
)

// LiquidationEngine checks margin sufficiency after every account
// mutation and force-closes the position when the maintenance
// requirement is breached.
type LiquidationEngine struct {
	symbol string
	logger core.ILogger
}

// NewLiquidationEngine creates a liquidation engine
func NewLiquidationEngine(symbol string, logger core.ILogger) *LiquidationEngine {
	return &LiquidationEngine{symbol: symbol, logger: logger}
}

// Check liquidates the account's position iff its liquidation equity at
// the mark price is below the maintenance requirement. The forced close
// executes at the mark price, bypassing matching, and is reported as a
// Fill flagged as a liquidation. Returns nil when the account is solvent
// or flat.
func (l *LiquidationEngine) Check(acct *MarginAccount, mark decimal.Decimal, ts int64) *core.Fill {
	pos := acct.Position()
	if pos.IsFlat() {
		return nil
	}

	maint := acct.MaintenanceRequirement()
	if acct.LiquidationEquity(mark).Cmp(maint) >= 0 {
		return nil
	}

	qty := pos.Quantity.Abs()
	side := pos.Side().Opposite()
	realized := acct.ForceClose(mark)

	l.logger.Warn("position liquidated",
		"mark", mark.String(),
		"qty", qty.String(),
		"maintenance", maint.String(),
		"realized", realized.String(),
		"balance", acct.Balance().String(),
	)

	return &core.Fill{
		OrderID:     "liquidation",
		Symbol:      l.symbol,
		Side:        side,
		Price:       mark,
		Quantity:    qty,
		Fee:         decimal.Zero,
		RealizedPnL: realized,
		Timestamp:   ts,
		Liquidation: true,
	}
}
