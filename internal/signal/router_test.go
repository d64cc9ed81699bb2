package signal

import (
	"context"
	"testing"
	"time"

	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/repository/memstore"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nilGateway struct{}

func (nilGateway) Connector(ctx context.Context, user *core.User, venue string) (core.IExchange, error) {
	return nil, apperrors.ErrExchangeNotConfigured
}
func (nilGateway) BreakerStates() map[string]string { return nil }
func (nilGateway) CloseAll()                        {}

type routerFixture struct {
	router *Router
	store  *memstore.Store
	coord  *coordination.LocalCoordinator
	user   *core.User
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	store := memstore.New()
	coord := coordination.NewLocalCoordinator()
	logger := logging.NewNopLogger()
	metrics := telemetry.NewTestMetrics()

	gw := nilGateway{}
	orders := order.NewService(store, gw, logger, metrics)
	positions := position.NewManager(store, gw, orders, coord, logger, metrics, 0.001)

	user := &core.User{ID: uuid.New(), WebhookSecret: "hunter2", DefaultVenue: "mock"}
	store.AddUser(user)

	return &routerFixture{
		router: NewRouter(store, coord, positions, logger, metrics),
		store:  store,
		coord:  coord,
		user:   user,
	}
}

func buyIntent(user *core.User) *Intent {
	return &Intent{
		UserID:             user.ID,
		Venue:              "mock",
		Symbol:             "BTCUSDT",
		Timeframe:          60,
		Action:             ActionBuy,
		EntryPrice:         decimal.NewFromInt(20000),
		OrderSizeUSD:       decimal.NewFromInt(500),
		MaxSlippagePercent: decimal.NewFromInt(1),
		TradeID:            "t-1",
		Raw:                []byte(`{"a":1}`),
	}
}

func TestRouteBuyQueuesSignal(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	outcome, err := f.router.Route(ctx, f.user, buyIntent(f.user))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	queued, err := f.store.Signals().ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "BTCUSDT", queued[0].Symbol)
	assert.False(t, queued[0].IsPyramid)
	assert.Equal(t, core.SignalQueued, queued[0].Status)
	assert.True(t, queued[0].OrderSizeUSD.Equal(decimal.NewFromInt(500)))
}

func TestRouteBuyReplacesQueuedSignalInPlace(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, f.user, buyIntent(f.user))
	require.NoError(t, err)

	second := buyIntent(f.user)
	second.EntryPrice = decimal.NewFromInt(19800)
	second.OrderSizeUSD = decimal.NewFromInt(250)
	outcome, err := f.router.Route(ctx, f.user, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, outcome)

	queued, err := f.store.Signals().ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].ReplacementCount)
	assert.True(t, queued[0].EntryPrice.Equal(decimal.NewFromInt(19800)))
	assert.True(t, queued[0].OrderSizeUSD.Equal(decimal.NewFromInt(250)))
}

func TestRouteBuyOnDifferentTimeframeQueuesSeparately(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, f.user, buyIntent(f.user))
	require.NoError(t, err)

	other := buyIntent(f.user)
	other.Timeframe = 240
	outcome, err := f.router.Route(ctx, f.user, other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	n, err := f.store.Signals().CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRouteBuyFlagsPyramidWhenGroupIsOpen(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Groups().Create(ctx, &core.PositionGroup{
		ID:        uuid.New(),
		UserID:    f.user.ID,
		Venue:     "mock",
		Symbol:    "BTCUSDT",
		Timeframe: 60,
		Side:      core.SideBuy,
		Status:    core.GroupActive,
		CreatedAt: time.Now().UTC(),
	}))

	outcome, err := f.router.Route(ctx, f.user, buyIntent(f.user))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	queued, err := f.store.Signals().ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.True(t, queued[0].IsPyramid)
}

func TestRouteBuyContendedLockRejected(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	lockKey := webhookLockKey(f.user.ID, "BTCUSDT", 60, core.SideBuy)
	ok, err := f.coord.AcquireLock(ctx, lockKey, "other-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.router.Route(ctx, f.user, buyIntent(f.user))
	assert.ErrorIs(t, err, apperrors.ErrLockContended)
}

func TestRouteExitCancelsQueuedSignal(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.Route(ctx, f.user, buyIntent(f.user))
	require.NoError(t, err)

	exit := buyIntent(f.user)
	exit.Action = ActionSell
	exit.IsExit = true
	outcome, err := f.router.Route(ctx, f.user, exit)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExitComplete, outcome)

	queued, err := f.store.Signals().ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestRouteExitWithoutPositionNotFound(t *testing.T) {
	f := newRouterFixture(t)

	exit := buyIntent(f.user)
	exit.Action = ActionSell
	exit.IsExit = true
	_, err := f.router.Route(context.Background(), f.user, exit)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
