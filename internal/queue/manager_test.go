package queue

import (
	"context"
	"testing"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/exchange"
	"spot_trader/internal/pool"
	"spot_trader/internal/repository/memstore"
	"spot_trader/internal/risk"
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
	manager *Manager
	store   *memstore.Store
	venue   *exchange.MockExchange
	pool    *pool.Manager
	cache   *coordination.Cache
	user    *core.User
}

func newFixture(t *testing.T, poolCap int) *fixture {
	t.Helper()

	store := memstore.New()
	venue := exchange.NewMockExchange("mock")
	venue.SetPrice("BTCUSDT", dec("20000"))
	venue.SetPrice("ETHUSDT", dec("2000"))
	rules := core.PrecisionRules{TickSize: dec("0.01"), StepSize: dec("0.001")}
	venue.SetPrecision("BTCUSDT", rules)
	venue.SetPrecision("ETHUSDT", rules)

	gateway := &stubGateway{venue: venue}
	coord := coordination.NewLocalCoordinator()
	cache := coordination.NewCache(coord)
	logger := logging.NewNopLogger()
	metrics := telemetry.NewTestMetrics()

	orders := order.NewService(store, gateway, logger, metrics)
	positions := position.NewManager(store, gateway, orders, coord, logger, metrics, 0.001)
	gate := risk.NewGate(store, logger)
	slots := pool.NewManager(store, logger, poolCap, false)

	user := &core.User{
		ID:           uuid.New(),
		DefaultVenue: "mock",
		DCADefaults: core.DCAConfig{
			Levels: []core.DCALevel{
				{GapPercent: dec("0"), WeightPercent: dec("50"), TPPercent: dec("2")},
				{GapPercent: dec("-2"), WeightPercent: dec("50"), TPPercent: dec("2")},
			},
			TotalCapitalUSD: dec("1000"),
			OrderType:       core.OrderTypeLimit,
			MaxPyramids:     3,
			TPMode:          core.TPModePerLeg,
		},
	}
	store.AddUser(user)

	return &fixture{
		manager: NewManager(store, gateway, positions, gate, slots, cache, config.Default().Engine, logger, metrics),
		store:   store,
		venue:   venue,
		pool:    slots,
		cache:   cache,
		user:    user,
	}
}

func (f *fixture) queueSignal(t *testing.T, symbol string, price decimal.Decimal, queuedAt time.Time) *core.QueuedSignal {
	t.Helper()
	sig := &core.QueuedSignal{
		ID:         uuid.New(),
		UserID:     f.user.ID,
		Venue:      "mock",
		Symbol:     symbol,
		Timeframe:  60,
		Side:       core.SideBuy,
		EntryPrice: price,
		QueuedAt:   queuedAt,
		Status:     core.SignalQueued,
	}
	require.NoError(t, f.store.Signals().Create(context.Background(), sig))
	return sig
}

func (f *fixture) reloadSignal(t *testing.T, id uuid.UUID) *core.QueuedSignal {
	t.Helper()
	sig, err := f.store.Signals().Get(context.Background(), id)
	require.NoError(t, err)
	return sig
}

func TestScoreTiers(t *testing.T) {
	base := &core.QueuedSignal{}

	pyramid := Score(base, true)
	loss := Score(&core.QueuedSignal{CurrentLossPercent: dec("-8")}, false)
	replacement := Score(&core.QueuedSignal{ReplacementCount: 4}, false)
	fifo := Score(base, false)

	assert.True(t, pyramid.GreaterThan(loss))
	assert.True(t, loss.GreaterThan(replacement))
	assert.True(t, replacement.GreaterThan(fifo))
	assert.True(t, fifo.IsZero())
}

func TestScoreTierBonusesCannotCrossTiers(t *testing.T) {
	maxedLoss := Score(&core.QueuedSignal{
		CurrentLossPercent: dec("-100"),
		ReplacementCount:   100000,
	}, false)
	plainPyramid := Score(&core.QueuedSignal{}, true)
	assert.True(t, plainPyramid.GreaterThan(maxedLoss))

	maxedReplacement := Score(&core.QueuedSignal{ReplacementCount: 100000}, false)
	plainLoss := Score(&core.QueuedSignal{CurrentLossPercent: dec("-0.1")}, false)
	assert.True(t, plainLoss.GreaterThan(maxedReplacement))
}

func TestScoreDeeperLossRanksHigher(t *testing.T) {
	shallow := Score(&core.QueuedSignal{CurrentLossPercent: dec("-2")}, false)
	deep := Score(&core.QueuedSignal{CurrentLossPercent: dec("-9")}, false)
	assert.True(t, deep.GreaterThan(shallow))
}

func TestRunCyclePromotesQueuedSignal(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	sig := f.queueSignal(t, "BTCUSDT", dec("20000"), time.Now())
	require.NoError(t, f.manager.RunCycle(ctx))

	got := f.reloadSignal(t, sig.ID)
	assert.Equal(t, core.SignalPromoted, got.Status)
	assert.Equal(t, 1, f.pool.InUse(f.user.ID))

	group, err := f.store.Groups().FindOpenByKey(ctx, f.user.ID, "mock", "BTCUSDT", 60, core.SideBuy)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, 2, group.TotalDCALegs)
}

func TestRunCycleGateRejectionRetiresSignal(t *testing.T) {
	f := newFixture(t, 5)
	f.user.Risk.ForceStopped = true
	f.store.AddUser(f.user)

	sig := f.queueSignal(t, "BTCUSDT", dec("20000"), time.Now())
	require.NoError(t, f.manager.RunCycle(context.Background()))

	got := f.reloadSignal(t, sig.ID)
	assert.Equal(t, core.SignalFailed, got.Status)
	assert.Contains(t, got.FailureReason, "paused")
	assert.Equal(t, 0, f.pool.InUse(f.user.ID))
}

func TestRunCycleFullPoolLeavesSignalQueued(t *testing.T) {
	f := newFixture(t, 1)
	require.True(t, f.pool.RequestSlot(f.user.ID))

	sig := f.queueSignal(t, "BTCUSDT", dec("20000"), time.Now())
	require.NoError(t, f.manager.RunCycle(context.Background()))

	assert.Equal(t, core.SignalQueued, f.reloadSignal(t, sig.ID).Status)
}

func TestRunCyclePromotesInPriorityOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	older := f.queueSignal(t, "BTCUSDT", dec("20000"), time.Now().Add(-time.Minute))
	replaced := f.queueSignal(t, "ETHUSDT", dec("2000"), time.Now())
	replaced.ReplacementCount = 2
	require.NoError(t, f.store.Signals().Update(ctx, replaced))

	require.NoError(t, f.manager.RunCycle(ctx))

	// The replacement tier outranks FIFO despite being newer; the single
	// slot then forces the older signal to wait.
	assert.Equal(t, core.SignalPromoted, f.reloadSignal(t, replaced.ID).Status)
	assert.Equal(t, core.SignalQueued, f.reloadSignal(t, older.ID).Status)
}

func TestRunCyclePyramidContinuation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Existing active position at 20000; price has since dropped 5%.
	group := &core.PositionGroup{
		ID:               uuid.New(),
		UserID:           f.user.ID,
		Venue:            "mock",
		Symbol:           "BTCUSDT",
		Timeframe:        60,
		Side:             core.SideBuy,
		WeightedAvgEntry: dec("20000"),
		TotalFilledQty:   dec("0.05"),
		TotalDCALegs:     2,
		FilledDCALegs:    2,
		PyramidCount:     1,
		MaxPyramids:      3,
		Status:           core.GroupActive,
	}
	require.NoError(t, f.store.Groups().Create(ctx, group))
	f.venue.SetPrice("BTCUSDT", dec("19000"))

	sig := f.queueSignal(t, "BTCUSDT", dec("19000"), time.Now())
	require.NoError(t, f.manager.RunCycle(ctx))

	got := f.reloadSignal(t, sig.ID)
	assert.Equal(t, core.SignalPromoted, got.Status)
	assert.True(t, got.IsPyramid)
	assert.True(t, got.CurrentLossPercent.Equal(dec("-5")), "got %s", got.CurrentLossPercent)
	assert.True(t, got.PriorityScore.GreaterThanOrEqual(decimal.New(1, 12)))

	// Continuations reuse the group's existing slot.
	assert.Equal(t, 0, f.pool.InUse(f.user.ID))

	reloaded, err := f.store.Groups().Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.PyramidCount)
	assert.Equal(t, 4, reloaded.TotalDCALegs)
}

func TestRunCycleWritesHeartbeat(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.manager.RunCycle(context.Background()))

	_, ok := f.cache.LastHeartbeat(context.Background(), "queue_manager")
	assert.True(t, ok)
}
