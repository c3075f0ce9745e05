package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	"perp_backtester/internal/specs"
	apperrors "perp_backtester/pkg/errors"
)

const (
	minLeverage = 1
	maxLeverage = 125
)

// MarginAccount tracks balance, the single open position, margin mode
// and leverage for one simulator instance, and derives unrealized PnL,
// margin ratio and liquidation price from the contract specs.
type MarginAccount struct {
	specs    *specs.ContractSpecs
	mode     core.MarginMode
	leverage int64

	balance  decimal.Decimal
	position core.Position
}

// NewMarginAccount creates an account bound to one contract
func NewMarginAccount(s *specs.ContractSpecs, mode core.MarginMode, leverage int64, initialBalance decimal.Decimal) (*MarginAccount, error) {
	if mode != core.MarginModeIsolated && mode != core.MarginModeCross {
		return nil, fmt.Errorf("%w: unknown margin mode %q", apperrors.ErrConfiguration, mode)
	}
	if leverage < minLeverage || leverage > maxLeverage {
		return nil, fmt.Errorf("%w: leverage %d outside [%d,%d]", apperrors.ErrConfiguration, leverage, minLeverage, maxLeverage)
	}
	if initialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance cannot be negative", apperrors.ErrConfiguration)
	}
	return &MarginAccount{
		specs:    s,
		mode:     mode,
		leverage: leverage,
		balance:  initialBalance,
	}, nil
}

// Balance returns the current USDT balance
func (a *MarginAccount) Balance() decimal.Decimal { return a.balance }

// Position returns a copy of the current position
func (a *MarginAccount) Position() core.Position { return a.position }

// Mode returns the margin mode
func (a *MarginAccount) Mode() core.MarginMode { return a.mode }

// Leverage returns the configured leverage
func (a *MarginAccount) Leverage() int64 { return a.leverage }

// Credit adds (or with a negative amount, removes) balance
func (a *MarginAccount) Credit(amount decimal.Decimal) {
	a.balance = a.balance.Add(amount)
}

// UnrealizedPnL is (mark - entry) * qty * multiplier; zero when flat
func (a *MarginAccount) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if a.position.IsFlat() {
		return decimal.Zero
	}
	return mark.Sub(a.position.EntryPrice).Mul(a.position.Quantity).Mul(a.specs.Multiplier)
}

// Equity is balance plus unrealized PnL at the mark price
func (a *MarginAccount) Equity(mark decimal.Decimal) decimal.Decimal {
	return a.balance.Add(a.UnrealizedPnL(mark))
}

// EntryNotional is the position notional valued at its entry price
func (a *MarginAccount) EntryNotional() decimal.Decimal {
	return a.position.EntryPrice.Mul(a.position.Quantity.Abs()).Mul(a.specs.Multiplier)
}

// AllocatedMargin is the initial margin held against the open position.
// In isolated mode this is the collateral at risk; loss beyond it cannot
// touch the rest of the (notional) account.
func (a *MarginAccount) AllocatedMargin() decimal.Decimal {
	return a.EntryNotional().Div(decimal.NewFromInt(a.leverage))
}

// collateral is the equity base used for liquidation checks: the
// allocated isolated margin, or the whole balance under cross margin.
// The allocated margin is capped by the balance actually available.
func (a *MarginAccount) collateral() decimal.Decimal {
	if a.mode == core.MarginModeCross {
		return a.balance
	}
	alloc := a.AllocatedMargin()
	if alloc.GreaterThan(a.balance) {
		return a.balance
	}
	return alloc
}

// MaintenanceRequirement is the maintenance margin owed by the open
// position, using the tier selected by the notional at entry.
func (a *MarginAccount) MaintenanceRequirement() decimal.Decimal {
	if a.position.IsFlat() {
		return decimal.Zero
	}
	return a.specs.MaintenanceRequirement(a.EntryNotional())
}

// LiquidationEquity is the collateral plus unrealized PnL measured
// against the maintenance requirement.
func (a *MarginAccount) LiquidationEquity(mark decimal.Decimal) decimal.Decimal {
	return a.collateral().Add(a.UnrealizedPnL(mark))
}

// MarginRatio returns equity over required initial margin at the mark
// price. The second return is false when the position is flat, in which
// case the ratio is undefined and the account is never liquidatable.
func (a *MarginAccount) MarginRatio(mark decimal.Decimal) (decimal.Decimal, bool) {
	if a.position.IsFlat() {
		return decimal.Zero, false
	}
	required := a.position.Quantity.Abs().Mul(mark).Mul(a.specs.Multiplier).Div(decimal.NewFromInt(a.leverage))
	if required.IsZero() {
		return decimal.Zero, false
	}
	return a.Equity(mark).Div(required), true
}

// LiquidationPrice solves collateral + (p-entry)*qty*mult == maintenance
// for p, with the maintenance requirement fixed at the entry notional's
// tier. The second return is false when the position is flat.
func (a *MarginAccount) LiquidationPrice() (decimal.Decimal, bool) {
	if a.position.IsFlat() {
		return decimal.Zero, false
	}
	maint := a.MaintenanceRequirement()
	qtyMult := a.position.Quantity.Mul(a.specs.Multiplier)
	p := a.position.EntryPrice.Add(maint.Sub(a.collateral()).Div(qtyMult))
	if p.IsNegative() {
		p = decimal.Zero
	}
	return p, true
}

// SetLeverage changes the account leverage. The change is rejected when
// it would immediately breach the maintenance requirement at the given
// mark price.
func (a *MarginAccount) SetLeverage(leverage int64, mark decimal.Decimal) error {
	if leverage < minLeverage || leverage > maxLeverage {
		return fmt.Errorf("%w: leverage %d outside [%d,%d]", apperrors.ErrMargin, leverage, minLeverage, maxLeverage)
	}
	if !a.position.IsFlat() {
		// Project the liquidation equity under the new allocation.
		alloc := a.EntryNotional().Div(decimal.NewFromInt(leverage))
		coll := alloc
		if a.mode == core.MarginModeCross {
			coll = a.balance
		} else if coll.GreaterThan(a.balance) {
			coll = a.balance
		}
		if coll.Add(a.UnrealizedPnL(mark)).LessThan(a.MaintenanceRequirement()) {
			return fmt.Errorf("%w: leverage %d would breach maintenance margin at mark %s", apperrors.ErrMargin, leverage, mark)
		}
	}
	a.leverage = leverage
	return nil
}

// ApplyFill mutates the position for one execution and books fees and
// realized PnL into the balance. It returns the PnL booked by this
// fill (zero when the fill only extends the position). The balance
// never goes negative: losses beyond it fall to the insurance fund.
func (a *MarginAccount) ApplyFill(side core.Side, price, qty, fee decimal.Decimal) decimal.Decimal {
	delta := qty
	if side == core.SideSell {
		delta = qty.Neg()
	}

	oldQty := a.position.Quantity
	newQty := oldQty.Add(delta)
	realized := decimal.Zero

	switch {
	case oldQty.IsZero():
		a.position.Quantity = newQty
		a.position.EntryPrice = price

	case oldQty.Sign() == delta.Sign():
		// Same direction: entry price becomes the size-weighted average.
		oldAbs := oldQty.Abs()
		addAbs := delta.Abs()
		newAbs := newQty.Abs()
		a.position.EntryPrice = a.position.EntryPrice.Mul(oldAbs).Add(price.Mul(addAbs)).Div(newAbs)
		a.position.Quantity = newQty

	default:
		// Reducing or flipping: book PnL for the closed portion against
		// the pre-fill entry price. In isolated mode the booked loss is
		// capped at the collateral backing the position, same as a
		// forced close; a voluntary close into a gapped open must not
		// lose more than the allocated margin.
		closed := decimal.Min(oldQty.Abs(), delta.Abs())
		realized = price.Sub(a.position.EntryPrice).Mul(closed).Mul(a.specs.Multiplier)
		if oldQty.IsNegative() {
			realized = realized.Neg()
		}
		if a.mode == core.MarginModeIsolated && realized.IsNegative() {
			maxLoss := a.collateral().Neg()
			if realized.LessThan(maxLoss) {
				realized = maxLoss
			}
		}
		a.balance = a.balance.Add(realized)
		a.position.RealizedPnL = a.position.RealizedPnL.Add(realized)

		a.position.Quantity = newQty
		if newQty.IsZero() {
			a.position.EntryPrice = decimal.Zero
		} else if oldQty.Sign() != newQty.Sign() {
			// Flipped: the remainder opened at the fill price.
			a.position.EntryPrice = price
		}
	}

	a.balance = a.balance.Sub(fee)
	if a.balance.IsNegative() {
		a.balance = decimal.Zero
	}
	return realized
}

// ForceClose flattens the position at the given price, bypassing
// matching. Returns the realized PnL of the closure. In isolated mode
// the booked loss is capped at the allocated margin; either way the
// balance is floored at zero, losses beyond it are absorbed by the
// exchange's insurance fund, not the account.
func (a *MarginAccount) ForceClose(price decimal.Decimal) decimal.Decimal {
	realized := price.Sub(a.position.EntryPrice).Mul(a.position.Quantity).Mul(a.specs.Multiplier)
	booked := realized
	if a.mode == core.MarginModeIsolated {
		maxLoss := a.collateral().Neg()
		if booked.LessThan(maxLoss) {
			booked = maxLoss
		}
	}
	a.balance = a.balance.Add(booked)
	a.position.RealizedPnL = a.position.RealizedPnL.Add(booked)
	a.position.Quantity = decimal.Zero
	a.position.EntryPrice = decimal.Zero
	if a.balance.IsNegative() {
		a.balance = decimal.Zero
	}
	return booked
}
