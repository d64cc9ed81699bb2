package tradingutils

import (
	"github.com/shopspring/decimal"
)

var half = decimal.NewFromFloat(0.5)

// RoundToTick snaps a price to the venue tick size using round-half-down.
// A zero tick returns the price untouched.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.Div(tick)
	floor := ticks.Floor()
	if ticks.Sub(floor).GreaterThan(half) {
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.Mul(tick)
}

// FloorToStep rounds a quantity down to the venue step size.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// PercentOf applies pct (expressed in percent, may be negative) to base:
// base * (1 + pct/100).
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	return base.Mul(one.Add(pct.Div(hundred)))
}

// SignedChangePercent computes (current-reference)/reference * 100.
// Returns zero when the reference is zero.
func SignedChangePercent(current, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return current.Sub(reference).Div(reference).Mul(decimal.NewFromInt(100))
}

// AbsSlippagePercent computes |actual-expected|/expected * 100.
func AbsSlippagePercent(actual, expected decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.Zero
	}
	return actual.Sub(expected).Abs().Div(expected).Mul(decimal.NewFromInt(100))
}

// WeightedAverage computes sum(qty_i*price_i)/sum(qty_i) over parallel
// slices. Returns zero when total quantity is zero.
func WeightedAverage(qtys, prices []decimal.Decimal) decimal.Decimal {
	var notional, total decimal.Decimal
	for i := range qtys {
		notional = notional.Add(qtys[i].Mul(prices[i]))
		total = total.Add(qtys[i])
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return notional.Div(total)
}
