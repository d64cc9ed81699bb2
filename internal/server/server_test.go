package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/exchange"
	"spot_trader/internal/leader"
	"spot_trader/internal/monitor"
	"spot_trader/internal/repository/memstore"
	"spot_trader/internal/risk"
	"spot_trader/internal/signal"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorKey = "test-operator-key"

type stubGateway struct {
	venue core.IExchange
}

func (g *stubGateway) Connector(ctx context.Context, user *core.User, venue string) (core.IExchange, error) {
	return g.venue, nil
}

func (g *stubGateway) BreakerStates() map[string]string {
	return map[string]string{"mock": "closed"}
}

func (g *stubGateway) CloseAll() {}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	routes *gin.Engine
	store  *memstore.Store
	venue  *exchange.MockExchange
	cache  *coordination.Cache
	user   *core.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.App.OperatorAPIKey = operatorKey

	store := memstore.New()
	venue := exchange.NewMockExchange("mock")
	venue.SetPrecision("BTCUSDT", core.PrecisionRules{TickSize: dec("0.01"), StepSize: dec("0.001")})
	venue.SetPrice("BTCUSDT", dec("20000"))

	gateway := &stubGateway{venue: venue}
	coord := coordination.NewLocalCoordinator()
	cache := coordination.NewCache(coord)
	logger := logging.NewNopLogger()
	metrics := telemetry.NewTestMetrics()

	orders := order.NewService(store, gateway, logger, metrics)
	positions := position.NewManager(store, gateway, orders, coord, logger, metrics, 0.001)
	router := signal.NewRouter(store, coord, positions, logger, metrics)
	gate := risk.NewGate(store, logger)
	mon := monitor.NewMonitor(store, gateway, orders, positions, cache, cfg.Engine, cfg.Concurrency, logger, metrics)
	engine := risk.NewEngine(store, gateway, positions, cache, cfg.Engine, logger, metrics)
	elector := leader.NewElector(coord, cfg.Leader, nil, nil, logger, metrics)
	watchdog := leader.NewWatchdog(cache, cfg.Leader, logger, metrics)

	user := &core.User{
		ID:            uuid.New(),
		WebhookSecret: "hunter2",
		DefaultVenue:  "mock",
		DCADefaults: core.DCAConfig{
			Levels: []core.DCALevel{
				{GapPercent: dec("0"), WeightPercent: dec("100"), TPPercent: dec("2")},
			},
			TotalCapitalUSD: dec("1000"),
			OrderType:       core.OrderTypeLimit,
			MaxPyramids:     3,
			TPMode:          core.TPModePerLeg,
		},
	}
	store.AddUser(user)

	srv := New(Deps{
		Config:     cfg,
		Store:      store,
		Coord:      coord,
		Cache:      cache,
		Gateway:    gateway,
		Router:     router,
		Positions:  positions,
		Gate:       gate,
		Monitor:    mon,
		RiskEngine: engine,
		Elector:    elector,
		Watchdog:   watchdog,
		Logger:     logger,
		Metrics:    metrics,
	})
	return &fixture{
		routes: srv.Routes(),
		store:  store,
		venue:  venue,
		cache:  cache,
		user:   user,
	}
}

func webhookBody(user *core.User, action, intentType string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":   user.ID,
		"secret":    user.WebhookSecret,
		"source":    "tradingview",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"tv": map[string]interface{}{
			"exchange":    "mock",
			"symbol":      "BTC/USDT",
			"timeframe":   60,
			"action":      action,
			"entry_price": "20000",
			"order_size":  "500",
		},
		"execution_intent": map[string]interface{}{
			"type": intentType,
			"side": action,
		},
		"strategy_info": map[string]interface{}{
			"trade_id": "t-1",
		},
		"risk": map[string]interface{}{
			"max_slippage_percent": "1",
		},
	}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.routes.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.routes.ServeHTTP(w, req)
	return w
}

func operatorHeaders() map[string]string {
	return map[string]string{"X-API-Key": operatorKey}
}

func (f *fixture) webhookPath() string {
	return "/webhook/" + f.user.ID.String()
}

func TestWebhookBuyEnqueues(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, f.webhookPath(), webhookBody(f.user, "buy", "signal"), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "queued")

	queued, err := f.store.Signals().ListQueued(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "BTCUSDT", queued[0].Symbol)
}

func TestWebhookDuplicateReplacesInPlace(t *testing.T) {
	f := newFixture(t)

	f.post(t, f.webhookPath(), webhookBody(f.user, "buy", "signal"), nil)
	w := f.post(t, f.webhookPath(), webhookBody(f.user, "buy", "signal"), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "replaced")

	queued, err := f.store.Signals().ListQueued(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].ReplacementCount)
}

func TestWebhookBadSecretForbidden(t *testing.T) {
	f := newFixture(t)

	body := webhookBody(f.user, "buy", "signal")
	body["secret"] = "wrong"
	w := f.post(t, f.webhookPath(), body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookShortRejected(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, f.webhookPath(), webhookBody(f.user, "sell", "signal"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookPlaceholderRejected(t *testing.T) {
	f := newFixture(t)

	body := webhookBody(f.user, "buy", "signal")
	body["tv"].(map[string]interface{})["symbol"] = "{{ticker}}"
	w := f.post(t, f.webhookPath(), body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestWebhookUnknownUser(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/webhook/"+uuid.NewString(), webhookBody(f.user, "buy", "signal"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookExitCancelsQueuedSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued := &core.QueuedSignal{
		ID:         uuid.New(),
		UserID:     f.user.ID,
		Venue:      "mock",
		Symbol:     "BTCUSDT",
		Timeframe:  60,
		Side:       core.SideBuy,
		EntryPrice: dec("20000"),
		Status:     core.SignalQueued,
	}
	require.NoError(t, f.store.Signals().Create(ctx, queued))

	// No open group exists, so the exit retires the queued intent.
	w := f.post(t, f.webhookPath(), webhookBody(f.user, "sell", "exit"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exit_complete")

	retired, err := f.store.Signals().Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SignalCancelled, retired.Status)
}

func TestWebhookExitClosesOpenPosition(t *testing.T) {
	f := newFixture(t)
	group := seedActiveGroup(t, f)

	w := f.post(t, f.webhookPath(), webhookBody(f.user, "sell", "exit"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := f.store.Groups().Get(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupClosed, got.Status)
}

func TestWebhookRateLimited(t *testing.T) {
	f := newFixture(t)

	// Drain the default burst of 40, then expect 429.
	var last int
	for i := 0; i < 41; i++ {
		w := f.post(t, f.webhookPath(), webhookBody(f.user, "buy", "signal"), nil)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestOperatorRoutesRequireAPIKey(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/health/comprehensive", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.get(t, "/health/comprehensive", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthComprehensive(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/health/comprehensive", operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "ok", body["coordination"])
	assert.Equal(t, false, body["is_leader"])
	breakers := body["circuit_breakers"].(map[string]interface{})
	assert.Equal(t, "closed", breakers["mock"])
}

func TestForceStopPausesPromotion(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/risk/force-stop", riskSwitchRequest{UserID: f.user.ID}, operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := f.store.Users().Get(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.True(t, stored.Risk.ForceStopped)

	w = f.post(t, "/risk/force-start", riskSwitchRequest{UserID: f.user.ID}, operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	stored, err = f.store.Users().Get(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Risk.ForceStopped)
}

func TestSyncExchangeRunsCycles(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/risk/sync-exchange", nil, operatorHeaders())
	assert.Equal(t, http.StatusOK, w.Code)

	// Both loops heartbeat through the on-demand pass.
	_, ok := f.cache.LastHeartbeat(context.Background(), "fill_monitor")
	assert.True(t, ok)
	_, ok = f.cache.LastHeartbeat(context.Background(), "risk_engine")
	assert.True(t, ok)
}

func seedActiveGroup(t *testing.T, f *fixture) *core.PositionGroup {
	t.Helper()
	ctx := context.Background()
	group := &core.PositionGroup{
		ID:               uuid.New(),
		UserID:           f.user.ID,
		Venue:            "mock",
		Symbol:           "BTCUSDT",
		Timeframe:        60,
		Side:             core.SideBuy,
		WeightedAvgEntry: dec("20000"),
		TotalInvestedUSD: dec("1000"),
		TotalFilledQty:   dec("0.05"),
		TotalDCALegs:     1,
		FilledDCALegs:    1,
		PyramidCount:     1,
		Status:           core.GroupActive,
	}
	require.NoError(t, f.store.Groups().Create(ctx, group))

	filledAt := time.Now().UTC()
	require.NoError(t, f.store.Orders().Create(ctx, &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		LegIndex:       0,
		Side:           core.SideBuy,
		OrderType:      core.OrderTypeLimit,
		Price:          dec("20000"),
		Quantity:       dec("0.05"),
		Status:         core.OrderFilled,
		FilledQuantity: dec("0.05"),
		AvgFillPrice:   dec("20000"),
		FilledAt:       &filledAt,
	}))
	return group
}

func TestManualCloseRetiresGroup(t *testing.T) {
	f := newFixture(t)
	group := seedActiveGroup(t, f)

	w := f.post(t, "/positions/"+group.ID.String()+"/close", nil, operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := f.store.Groups().Get(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupClosed, got.Status)

	actions, err := f.store.RiskActions().ListByGroup(context.Background(), group.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.RiskActionManualClose, actions[0].ActionType)
}

func TestManualCloseUnknownGroup(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/positions/"+uuid.NewString()+"/close", nil, operatorHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyticsAggregatesAndCaches(t *testing.T) {
	f := newFixture(t)
	seedActiveGroup(t, f)

	path := fmt.Sprintf("/dashboard/analytics?user_id=%s", f.user.ID)
	w := f.get(t, path, operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var resp analyticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.TotalTVLUSD.Equal(dec("1000")), "got %s", resp.TotalTVLUSD)
	require.Contains(t, resp.Venues, "mock")
	assert.Equal(t, 1, resp.Venues["mock"].OpenGroups)

	// A second call is served from the dashboard cache even after the
	// underlying state changes.
	seedActiveGroup(t, f)
	w = f.get(t, path, operatorHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var cached analyticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cached))
	assert.Equal(t, 1, cached.Venues["mock"].OpenGroups)
}
