// Package risk implements the offset engine: timer state machine,
// loser/winner selection, profit-only close planning, and execution.
package risk

import (
	"sort"

	"spot_trader/internal/core"
	"spot_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// PyramidsComplete reports whether the group has finished building.
func PyramidsComplete(g *core.PositionGroup, requiredPyramids int) bool {
	if requiredPyramids <= 0 {
		requiredPyramids = 1
	}
	return g.PyramidCount >= requiredPyramids && g.TotalDCALegs > 0 && g.FilledDCALegs >= g.TotalDCALegs
}

// lossDeepEnough checks the configured loss threshold (a negative
// percentage, e.g. -5 means "5% underwater or worse").
func lossDeepEnough(g *core.PositionGroup, threshold decimal.Decimal) bool {
	if threshold.IsZero() {
		return g.UnrealizedPnLPercent.IsNegative()
	}
	return g.UnrealizedPnLPercent.LessThanOrEqual(threshold)
}

// SelectLoser returns the eligible loser with the highest priority, or
// nil when no group qualifies.
func SelectLoser(groups []*core.PositionGroup, cfg core.RiskConfig) *core.PositionGroup {
	var eligible []*core.PositionGroup
	for _, g := range groups {
		if g.Status != core.GroupActive || g.RiskBlocked || g.RiskSkipOnce || !g.RiskEligible {
			continue
		}
		if !PyramidsComplete(g, cfg.RequiredPyramidsForTimer) {
			continue
		}
		if !lossDeepEnough(g, cfg.LossThresholdPercent) {
			continue
		}
		eligible = append(eligible, g)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.UnrealizedPnLPercent.Equal(b.UnrealizedPnLPercent) {
			return a.UnrealizedPnLPercent.Abs().GreaterThan(b.UnrealizedPnLPercent.Abs())
		}
		if !a.UnrealizedPnLUSD.Equal(b.UnrealizedPnLUSD) {
			return a.UnrealizedPnLUSD.Abs().GreaterThan(b.UnrealizedPnLUSD.Abs())
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return eligible[0]
}

// SelectWinners returns up to maxWinners profitable groups ranked by
// unrealized profit, excluding the loser.
func SelectWinners(groups []*core.PositionGroup, loser *core.PositionGroup, maxWinners int) []*core.PositionGroup {
	if maxWinners <= 0 {
		maxWinners = 3
	}
	var winners []*core.PositionGroup
	for _, g := range groups {
		if loser != nil && g.ID == loser.ID {
			continue
		}
		if !g.Status.IsOpen() {
			continue
		}
		if !g.UnrealizedPnLUSD.IsPositive() || !g.TotalFilledQty.IsPositive() {
			continue
		}
		winners = append(winners, g)
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].UnrealizedPnLUSD.GreaterThan(winners[j].UnrealizedPnLUSD)
	})
	if len(winners) > maxWinners {
		winners = winners[:maxWinners]
	}
	return winners
}

// CombinedProfitCovers enforces the full-offset-required rule.
func CombinedProfitCovers(winners []*core.PositionGroup, loser *core.PositionGroup) bool {
	total := decimal.Zero
	for _, w := range winners {
		total = total.Add(w.UnrealizedPnLUSD)
	}
	return total.GreaterThanOrEqual(loser.UnrealizedPnLUSD.Abs())
}

// PlannedClose is one winner's contribution to an offset.
type PlannedClose struct {
	Group    *core.PositionGroup
	Quantity decimal.Decimal
	CashUSD  decimal.Decimal
}

// BuildClosePlan walks the winners in order and allocates quantities
// until requiredUSD is covered. Profit-only: a winner never sells more
// units than its unrealized profit funds at the current price.
// Returns nil when the winners cannot fully cover the requirement.
func BuildClosePlan(winners []*core.PositionGroup, requiredUSD decimal.Decimal, prices map[string]decimal.Decimal, precision map[string]core.PrecisionRules) []PlannedClose {
	var plan []PlannedClose
	remaining := requiredUSD

	for _, w := range winners {
		if !remaining.IsPositive() {
			break
		}
		price, ok := prices[w.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		profitPerUnit := price.Sub(w.WeightedAvgEntry)
		if !profitPerUnit.IsPositive() {
			continue
		}
		rules := precision[w.Symbol]

		maxQtyFromProfit := tradingutils.FloorToStep(w.UnrealizedPnLUSD.Div(price), rules.StepSize)
		if !maxQtyFromProfit.IsPositive() {
			continue
		}
		cash := decimal.Min(maxQtyFromProfit.Mul(price), remaining)
		qty := tradingutils.FloorToStep(cash.Div(price), rules.StepSize)
		if !qty.IsPositive() || qty.GreaterThan(w.TotalFilledQty) {
			continue
		}
		if !rules.MinNotional.IsZero() && qty.Mul(price).LessThan(rules.MinNotional) {
			continue
		}

		contribution := qty.Mul(price)
		plan = append(plan, PlannedClose{Group: w, Quantity: qty, CashUSD: contribution})
		remaining = remaining.Sub(contribution)
	}

	// Step-size floors may leave a sliver; tolerate one step's worth of
	// notional per winner, otherwise abort with no partial offset.
	tolerance := decimal.Zero
	for _, p := range plan {
		step := precision[p.Group.Symbol].StepSize
		tolerance = tolerance.Add(step.Mul(prices[p.Group.Symbol]))
	}
	if remaining.GreaterThan(tolerance) {
		return nil
	}
	return plan
}
