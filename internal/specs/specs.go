// Package specs normalizes static contract constraints for linear
// USDT-margined perpetuals: tick size, lot size, min notional, contract
// multiplier, and tiered maintenance margin.
package specs

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "perp_backtester/pkg/errors"
)

// RiskTier is one maintenance-margin bracket. The tier applies to
// position notionals up to and including NotionalCap; the last tier of a
// contract is treated as uncapped.
type RiskTier struct {
	NotionalCap           decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	MaintenanceAmount     decimal.Decimal
}

// ContractSpecs holds the static per-symbol constraints and the
// rounding/validation helpers built on them. Immutable after construction.
type ContractSpecs struct {
	Symbol      string
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinNotional decimal.Decimal
	Multiplier  decimal.Decimal
	RiskTiers   []RiskTier
}

// NewContractSpecs validates and constructs contract specs.
// Tiers must be sorted ascending by notional cap with strictly
// increasing caps and non-negative rates.
func NewContractSpecs(symbol string, tick, lot, minNotional, multiplier decimal.Decimal, tiers []RiskTier) (*ContractSpecs, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol cannot be empty", apperrors.ErrConfiguration)
	}
	if !tick.IsPositive() {
		return nil, fmt.Errorf("%w: tick size must be positive, got %s", apperrors.ErrConfiguration, tick)
	}
	if !lot.IsPositive() {
		return nil, fmt.Errorf("%w: lot size must be positive, got %s", apperrors.ErrConfiguration, lot)
	}
	if minNotional.IsNegative() {
		return nil, fmt.Errorf("%w: min notional cannot be negative, got %s", apperrors.ErrConfiguration, minNotional)
	}
	if !multiplier.IsPositive() {
		return nil, fmt.Errorf("%w: multiplier must be positive, got %s", apperrors.ErrConfiguration, multiplier)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: risk tiers cannot be empty", apperrors.ErrConfiguration)
	}
	for i, t := range tiers {
		if t.MaintenanceMarginRate.IsNegative() {
			return nil, fmt.Errorf("%w: tier %d maintenance rate cannot be negative", apperrors.ErrConfiguration, i)
		}
		if i > 0 && tiers[i].NotionalCap.Cmp(tiers[i-1].NotionalCap) <= 0 {
			return nil, fmt.Errorf("%w: tier caps must be strictly increasing (tier %d)", apperrors.ErrConfiguration, i)
		}
	}

	return &ContractSpecs{
		Symbol:      symbol,
		TickSize:    tick,
		LotSize:     lot,
		MinNotional: minNotional,
		Multiplier:  multiplier,
		RiskTiers:   tiers,
	}, nil
}

// RoundPrice floors a price to the nearest tick. It never rounds up, so
// a rounded order cannot cross further than the caller intended.
func (s *ContractSpecs) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// RoundQty floors a quantity to the nearest lot
func (s *ContractSpecs) RoundQty(q decimal.Decimal) decimal.Decimal {
	return q.Div(s.LotSize).Floor().Mul(s.LotSize)
}

// ValidNotional reports whether price*qty meets the minimum order value
func (s *ContractSpecs) ValidNotional(price, qty decimal.Decimal) bool {
	return price.Mul(qty).Cmp(s.MinNotional) >= 0
}

// TierForNotional returns the first tier whose cap covers the notional.
// Notionals beyond the highest cap fall into the last tier.
func (s *ContractSpecs) TierForNotional(notional decimal.Decimal) RiskTier {
	for _, t := range s.RiskTiers {
		if notional.Cmp(t.NotionalCap) <= 0 {
			return t
		}
	}
	return s.RiskTiers[len(s.RiskTiers)-1]
}

// MaintenanceRequirement computes the maintenance margin required for a
// position of the given notional: rate*notional - amount, per its tier.
func (s *ContractSpecs) MaintenanceRequirement(notional decimal.Decimal) decimal.Decimal {
	t := s.TierForNotional(notional)
	return notional.Mul(t.MaintenanceMarginRate).Sub(t.MaintenanceAmount)
}
