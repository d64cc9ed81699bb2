// Package grid computes DCA entry ladders. The calculator is a pure
// function over (base price, config, precision) and performs no I/O.
package grid

import (
	"fmt"

	"spot_trader/internal/core"
	"spot_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Leg is one computed ladder entry.
type Leg struct {
	LegIndex      int
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal
}

// ValidationError reports a leg that violates the venue's minimums.
type ValidationError struct {
	LegIndex int
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation_error: leg %d: %s", e.LegIndex, e.Reason)
}

// Calculate emits the ordered ladder for one pyramid. Gap percents are
// applied with their configured sign (typically negative for
// averaging-down entries); TP percents are applied on top of each leg
// price. Prices snap to tick size with round-half-down, quantities floor
// to step size.
func Calculate(
	basePrice decimal.Decimal,
	cfg core.DCAConfig,
	side core.Side,
	precision core.PrecisionRules,
	pyramidIndex int,
) ([]Leg, error) {
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{LegIndex: 0, Reason: "base price must be positive"}
	}
	levels := cfg.LevelsFor(pyramidIndex)
	if len(levels) == 0 {
		return nil, &ValidationError{LegIndex: 0, Reason: "no DCA levels configured"}
	}

	legs := make([]Leg, 0, len(levels))
	for i, level := range levels {
		price := tradingutils.RoundToTick(tradingutils.PercentOf(basePrice, level.GapPercent), precision.TickSize)
		if price.LessThanOrEqual(decimal.Zero) {
			return nil, &ValidationError{LegIndex: i, Reason: "gap pushes price to zero or below"}
		}
		tpPrice := tradingutils.RoundToTick(tradingutils.PercentOf(price, level.TPPercent), precision.TickSize)

		legCapital := cfg.TotalCapitalUSD.Mul(level.WeightPercent).Div(decimal.NewFromInt(100))
		quantity := tradingutils.FloorToStep(legCapital.Div(price), precision.StepSize)

		if !precision.MinQty.IsZero() && quantity.LessThan(precision.MinQty) {
			return nil, &ValidationError{
				LegIndex: i,
				Reason:   fmt.Sprintf("quantity %s below min qty %s", quantity, precision.MinQty),
			}
		}
		if !precision.MinNotional.IsZero() && quantity.Mul(price).LessThan(precision.MinNotional) {
			return nil, &ValidationError{
				LegIndex: i,
				Reason:   fmt.Sprintf("notional %s below min notional %s", quantity.Mul(price), precision.MinNotional),
			}
		}

		legs = append(legs, Leg{
			LegIndex:      i,
			Price:         price,
			Quantity:      quantity,
			GapPercent:    level.GapPercent,
			WeightPercent: level.WeightPercent,
			TPPercent:     level.TPPercent,
			TPPrice:       tpPrice,
		})
	}
	return legs, nil
}
