package monitor

import (
	"context"
	"testing"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/exchange"
	"spot_trader/internal/repository/memstore"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	venue core.IExchange
}

func (g *stubGateway) Connector(ctx context.Context, user *core.User, venue string) (core.IExchange, error) {
	return g.venue, nil
}

func (g *stubGateway) BreakerStates() map[string]string { return nil }
func (g *stubGateway) CloseAll()                        {}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	monitor *Monitor
	store   *memstore.Store
	venue   *exchange.MockExchange
	cache   *coordination.Cache
	user    *core.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memstore.New()
	venue := exchange.NewMockExchange("mock")
	venue.SetPrecision("BTCUSDT", core.PrecisionRules{TickSize: dec("0.01"), StepSize: dec("0.001")})

	gateway := &stubGateway{venue: venue}
	coord := coordination.NewLocalCoordinator()
	cache := coordination.NewCache(coord)
	logger := logging.NewNopLogger()
	metrics := telemetry.NewTestMetrics()

	orders := order.NewService(store, gateway, logger, metrics)
	positions := position.NewManager(store, gateway, orders, coord, logger, metrics, 0.001)

	user := &core.User{ID: uuid.New(), DefaultVenue: "mock"}
	store.AddUser(user)

	cfg := config.Default()
	return &fixture{
		monitor: NewMonitor(store, gateway, orders, positions, cache, cfg.Engine, cfg.Concurrency, logger, metrics),
		store:   store,
		venue:   venue,
		cache:   cache,
		user:    user,
	}
}

func (f *fixture) seedGroup(t *testing.T, status core.GroupStatus, tpMode core.TPMode) *core.PositionGroup {
	t.Helper()
	group := &core.PositionGroup{
		ID:           uuid.New(),
		UserID:       f.user.ID,
		Venue:        "mock",
		Symbol:       "BTCUSDT",
		Timeframe:    60,
		Side:         core.SideBuy,
		TotalDCALegs: 1,
		PyramidCount: 1,
		TPMode:       tpMode,
		Status:       status,
	}
	require.NoError(t, f.store.Groups().Create(context.Background(), group))
	return group
}

func (f *fixture) reloadGroup(t *testing.T, id uuid.UUID) *core.PositionGroup {
	t.Helper()
	g, err := f.store.Groups().Get(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f *fixture) reloadOrder(t *testing.T, id uuid.UUID) *core.DCAOrder {
	t.Helper()
	o, err := f.store.Orders().Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestRunCycleDetectsFillAndPlacesTakeProfit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.seedGroup(t, core.GroupLive, core.TPModePerLeg)

	f.venue.SetPrice("BTCUSDT", dec("20000"))
	placed, err := f.venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Type: core.OrderTypeLimit, Side: core.SideBuy,
		Quantity: dec("0.05"), Price: dec("19000"),
	})
	require.NoError(t, err)
	require.Equal(t, core.VenueOrderOpen, placed.Status)

	leg := &core.DCAOrder{
		ID:              uuid.New(),
		GroupID:         group.ID,
		LegIndex:        0,
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Price:           dec("19000"),
		Quantity:        dec("0.05"),
		TPPercent:       dec("2"),
		ExchangeOrderID: placed.ID,
		Status:          core.OrderOpen,
	}
	require.NoError(t, f.store.Orders().Create(ctx, leg))

	// The venue crosses the limit.
	f.venue.SetPrice("BTCUSDT", dec("19000"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	got := f.reloadOrder(t, leg.ID)
	assert.Equal(t, core.OrderFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(dec("0.05")))
	assert.NotEmpty(t, got.TPOrderID)

	// The TP limit is resting on the venue at entry +2%.
	tp, err := f.venue.GetOrderStatus(ctx, got.TPOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, core.SideSell, tp.Side)
	assert.True(t, tp.Price.Equal(dec("19380")), "got %s", tp.Price)

	refreshed := f.reloadGroup(t, group.ID)
	assert.Equal(t, core.GroupActive, refreshed.Status)
	assert.True(t, refreshed.TotalFilledQty.Equal(dec("0.05")))
	assert.Equal(t, 1, refreshed.FilledDCALegs)
}

func TestRunCycleMarksVanishedOrderCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.seedGroup(t, core.GroupLive, core.TPModePerLeg)
	f.venue.SetPrice("BTCUSDT", dec("20000"))

	leg := &core.DCAOrder{
		ID:              uuid.New(),
		GroupID:         group.ID,
		LegIndex:        0,
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Price:           dec("19000"),
		Quantity:        dec("0.05"),
		ExchangeOrderID: "ghost-order",
		Status:          core.OrderOpen,
	}
	require.NoError(t, f.store.Orders().Create(ctx, leg))

	require.NoError(t, f.monitor.RunCycle(ctx))
	assert.Equal(t, core.OrderCancelled, f.reloadOrder(t, leg.ID).Status)
}

func TestRunCycleSettlesGroupAfterTakeProfitFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.seedGroup(t, core.GroupActive, core.TPModePerLeg)
	group.WeightedAvgEntry = dec("19000")
	group.TotalFilledQty = dec("0.05")
	group.FilledDCALegs = 1
	require.NoError(t, f.store.Groups().Update(ctx, group))

	f.venue.SetPrice("BTCUSDT", dec("19000"))
	tpOrder, err := f.venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Type: core.OrderTypeLimit, Side: core.SideSell,
		Quantity: dec("0.05"), Price: dec("19380"),
	})
	require.NoError(t, err)

	filledAt := time.Now().UTC()
	leg := &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		LegIndex:       0,
		Side:           core.SideBuy,
		OrderType:      core.OrderTypeLimit,
		Price:          dec("19000"),
		Quantity:       dec("0.05"),
		TPPercent:      dec("2"),
		TPPrice:        dec("19380"),
		Status:         core.OrderFilled,
		FilledQuantity: dec("0.05"),
		AvgFillPrice:   dec("19000"),
		FilledAt:       &filledAt,
		TPOrderID:      tpOrder.ID,
	}
	require.NoError(t, f.store.Orders().Create(ctx, leg))

	// Price reaches the target and the resting TP fills.
	f.venue.SetPrice("BTCUSDT", dec("19380"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	gotLeg := f.reloadOrder(t, leg.ID)
	assert.True(t, gotLeg.TPHit)

	gotGroup := f.reloadGroup(t, group.ID)
	assert.Equal(t, core.GroupClosed, gotGroup.Status)
	assert.True(t, gotGroup.RealizedPnLUSD.IsPositive())
	assert.True(t, gotGroup.TotalFilledQty.IsZero())

	legs, err := f.store.Orders().ListByGroup(ctx, group.ID)
	require.NoError(t, err)
	var synthetic int
	for _, o := range legs {
		if !o.IsEntryLeg() {
			synthetic++
		}
	}
	assert.Equal(t, 1, synthetic)

	actions, err := f.store.RiskActions().ListByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.RiskActionTakeProfit, actions[0].ActionType)
}

func TestRunCycleAggregateTakeProfitClosesAtMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.seedGroup(t, core.GroupActive, core.TPModeAggregate)
	group.WeightedAvgEntry = dec("19000")
	group.TotalFilledQty = dec("0.05")
	group.FilledDCALegs = 1
	group.TPAggregatePercent = dec("1.5")
	require.NoError(t, f.store.Groups().Update(ctx, group))

	filledAt := time.Now().UTC()
	leg := &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		LegIndex:       0,
		Side:           core.SideBuy,
		OrderType:      core.OrderTypeLimit,
		Price:          dec("19000"),
		Quantity:       dec("0.05"),
		Status:         core.OrderFilled,
		FilledQuantity: dec("0.05"),
		AvgFillPrice:   dec("19000"),
		FilledAt:       &filledAt,
	}
	require.NoError(t, f.store.Orders().Create(ctx, leg))

	// 19400 clears the 1.5% aggregate target of 19285.
	f.venue.SetPrice("BTCUSDT", dec("19400"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	gotGroup := f.reloadGroup(t, group.ID)
	assert.Equal(t, core.GroupClosed, gotGroup.Status)
	assert.True(t, gotGroup.RealizedPnLUSD.IsPositive())
	assert.True(t, f.reloadOrder(t, leg.ID).TPHit)
}

func TestRunCycleBelowTargetLeavesGroupOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.seedGroup(t, core.GroupActive, core.TPModeAggregate)
	group.WeightedAvgEntry = dec("19000")
	group.TotalFilledQty = dec("0.05")
	group.FilledDCALegs = 1
	group.TPAggregatePercent = dec("1.5")
	require.NoError(t, f.store.Groups().Update(ctx, group))

	filledAt := time.Now().UTC()
	require.NoError(t, f.store.Orders().Create(ctx, &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		LegIndex:       0,
		Side:           core.SideBuy,
		OrderType:      core.OrderTypeLimit,
		Price:          dec("19000"),
		Quantity:       dec("0.05"),
		Status:         core.OrderFilled,
		FilledQuantity: dec("0.05"),
		AvgFillPrice:   dec("19000"),
		FilledAt:       &filledAt,
	}))

	f.venue.SetPrice("BTCUSDT", dec("19100"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	assert.Equal(t, core.GroupActive, f.reloadGroup(t, group.ID).Status)
}

func TestRunCycleWritesHeartbeat(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.monitor.RunCycle(context.Background()))

	_, ok := f.cache.LastHeartbeat(context.Background(), "fill_monitor")
	assert.True(t, ok)
}
