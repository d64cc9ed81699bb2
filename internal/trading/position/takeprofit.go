package position

import (
	"spot_trader/internal/core"
	"spot_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// TPTrigger names what fired a take-profit close.
type TPTrigger string

const (
	TriggerPerLeg    TPTrigger = "per_leg"
	TriggerAggregate TPTrigger = "aggregate"
)

// TPClose is one leg the evaluator wants closed.
type TPClose struct {
	Leg      *core.DCAOrder
	Quantity decimal.Decimal
	Trigger  TPTrigger
}

// EvaluateTakeProfit decides which filled legs to close at the current
// price. Pure: inspects the group and its entry legs, returns a plan.
//
// per_leg closes each filled un-hit leg whose adjusted TP is reached;
// aggregate closes everything once the weighted-average target is
// reached; hybrid is first-trigger-wins between the two.
func EvaluateTakeProfit(group *core.PositionGroup, legs []*core.DCAOrder, currentPrice decimal.Decimal) []TPClose {
	if !group.Status.IsOpen() || currentPrice.IsZero() {
		return nil
	}

	eligible := make([]*core.DCAOrder, 0, len(legs))
	for _, leg := range legs {
		if leg.IsEntryLeg() && leg.Status == core.OrderFilled && !leg.TPHit && leg.FilledQuantity.IsPositive() {
			eligible = append(eligible, leg)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	perLeg := func() []TPClose {
		var plan []TPClose
		for _, leg := range eligible {
			target := adjustedTP(leg)
			if target.IsPositive() && currentPrice.GreaterThanOrEqual(target) {
				plan = append(plan, TPClose{Leg: leg, Quantity: leg.FilledQuantity, Trigger: TriggerPerLeg})
			}
		}
		return plan
	}

	aggregate := func() []TPClose {
		if group.WeightedAvgEntry.IsZero() || group.TPAggregatePercent.IsZero() {
			return nil
		}
		target := tradingutils.PercentOf(group.WeightedAvgEntry, group.TPAggregatePercent)
		if currentPrice.LessThan(target) {
			return nil
		}
		plan := make([]TPClose, 0, len(eligible))
		for _, leg := range eligible {
			plan = append(plan, TPClose{Leg: leg, Quantity: leg.FilledQuantity, Trigger: TriggerAggregate})
		}
		return plan
	}

	switch group.TPMode {
	case core.TPModePerLeg:
		return perLeg()
	case core.TPModeAggregate:
		return aggregate()
	case core.TPModeHybrid:
		if plan := perLeg(); len(plan) > 0 {
			return plan
		}
		return aggregate()
	}
	return nil
}

// adjustedTP recomputes the leg target from its actual fill price so a
// slipped entry still earns the configured percentage.
func adjustedTP(leg *core.DCAOrder) decimal.Decimal {
	if leg.AvgFillPrice.IsPositive() && !leg.TPPercent.IsZero() {
		return tradingutils.PercentOf(leg.AvgFillPrice, leg.TPPercent)
	}
	return leg.TPPrice
}
