package position

import (
	"testing"

	"spot_trader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalGroup(mode core.TPMode) *core.PositionGroup {
	return &core.PositionGroup{
		ID:                 uuid.New(),
		Status:             core.GroupActive,
		Side:               core.SideBuy,
		TPMode:             mode,
		WeightedAvgEntry:   dec("100"),
		TPAggregatePercent: dec("3"),
	}
}

func evalLeg(fillPrice, tpPercent string) *core.DCAOrder {
	return &core.DCAOrder{
		ID:             uuid.New(),
		LegIndex:       0,
		Side:           core.SideBuy,
		Status:         core.OrderFilled,
		FilledQuantity: dec("1"),
		AvgFillPrice:   dec(fillPrice),
		TPPercent:      dec(tpPercent),
	}
}

func TestEvaluatePerLegTriggersAtAdjustedTarget(t *testing.T) {
	group := evalGroup(core.TPModePerLeg)
	hit := evalLeg("100", "2")   // target 102
	miss := evalLeg("101.5", "2") // target 103.53

	plan := EvaluateTakeProfit(group, []*core.DCAOrder{hit, miss}, dec("102.5"))
	require.Len(t, plan, 1)
	assert.Equal(t, hit.ID, plan[0].Leg.ID)
	assert.Equal(t, TriggerPerLeg, plan[0].Trigger)
}

func TestEvaluatePerLegSkipsResolvedLegs(t *testing.T) {
	group := evalGroup(core.TPModePerLeg)
	done := evalLeg("100", "2")
	done.TPHit = true
	open := evalLeg("100", "2")
	open.Status = core.OrderOpen
	open.FilledQuantity = decimal.Zero

	assert.Empty(t, EvaluateTakeProfit(group, []*core.DCAOrder{done, open}, dec("110")))
}

func TestEvaluateAggregateClosesEverythingAtTarget(t *testing.T) {
	group := evalGroup(core.TPModeAggregate)
	a := evalLeg("98", "2")
	b := evalLeg("102", "2")

	// Aggregate target is 103 on the 100 average.
	assert.Empty(t, EvaluateTakeProfit(group, []*core.DCAOrder{a, b}, dec("102.9")))

	plan := EvaluateTakeProfit(group, []*core.DCAOrder{a, b}, dec("103"))
	require.Len(t, plan, 2)
	assert.Equal(t, TriggerAggregate, plan[0].Trigger)
	assert.Equal(t, TriggerAggregate, plan[1].Trigger)
}

func TestEvaluateHybridPrefersPerLeg(t *testing.T) {
	group := evalGroup(core.TPModeHybrid)
	near := evalLeg("99", "2") // target 100.98

	plan := EvaluateTakeProfit(group, []*core.DCAOrder{near}, dec("101"))
	require.Len(t, plan, 1)
	assert.Equal(t, TriggerPerLeg, plan[0].Trigger)

	// Nothing per-leg, aggregate picks it up at 103.
	far := evalLeg("102.5", "2") // target 104.55
	plan = EvaluateTakeProfit(group, []*core.DCAOrder{far}, dec("103.5"))
	require.Len(t, plan, 1)
	assert.Equal(t, TriggerAggregate, plan[0].Trigger)
}

func TestEvaluateIgnoresClosedGroupsAndSyntheticRecords(t *testing.T) {
	group := evalGroup(core.TPModePerLeg)
	group.Status = core.GroupClosed
	assert.Empty(t, EvaluateTakeProfit(group, []*core.DCAOrder{evalLeg("100", "2")}, dec("110")))

	group.Status = core.GroupActive
	synthetic := evalLeg("100", "2")
	synthetic.LegIndex = core.TPFillLegIndex
	assert.Empty(t, EvaluateTakeProfit(group, []*core.DCAOrder{synthetic}, dec("110")))
}
