// Package monitor reconciles local order state with the venue: fill
// detection, take-profit placement and settlement, and cleanup of
// orders that vanished from the exchange.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/concurrency"
	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const serviceName = "fill_monitor"

// Monitor is the leader-only order reconciler.
type Monitor struct {
	store     core.Store
	gateway   core.IExchangeGateway
	orders    *order.Service
	positions *position.Manager
	cache     *coordination.Cache
	workers   *concurrency.WorkerPool
	logger    core.ILogger
	metrics   *telemetry.Metrics

	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor wires the fill monitor.
func NewMonitor(store core.Store, gateway core.IExchangeGateway, orders *order.Service, positions *position.Manager, cache *coordination.Cache, cfg config.EngineConfig, ccfg config.ConcurrencyConfig, logger core.ILogger, metrics *telemetry.Metrics) *Monitor {
	workers := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconcile",
		MaxWorkers:  ccfg.ReconcilePoolSize,
		MaxCapacity: ccfg.ReconcilePoolBuffer,
	}, logger)

	return &Monitor{
		store:     store,
		gateway:   gateway,
		orders:    orders,
		positions: positions,
		cache:     cache,
		workers:   workers,
		logger:    logger.WithField("component", serviceName),
		metrics:   metrics,
		interval:  cfg.FillMonitorInterval,
	}
}

// Start launches the loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.run(loopCtx)
}

// Stop cancels the loop and drains the worker pool.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
	m.workers.Stop()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, m.interval*4)
			start := time.Now()
			if err := m.RunCycle(cycleCtx); err != nil {
				m.logger.Error("reconcile pass failed", "error", err)
			}
			m.metrics.LoopDuration.WithLabelValues(serviceName).Observe(time.Since(start).Seconds())
			cancel()
		}
	}
}

// RunCycle reconciles every order needing attention, one worker task
// per position group.
func (m *Monitor) RunCycle(ctx context.Context) error {
	pending, err := m.store.Orders().ListForReconcile(ctx)
	if err != nil {
		return err
	}

	byGroup := make(map[uuid.UUID][]*core.DCAOrder)
	for _, o := range pending {
		byGroup[o.GroupID] = append(byGroup[o.GroupID], o)
	}

	var wg sync.WaitGroup
	for groupID, orders := range byGroup {
		groupID, orders := groupID, orders
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := m.reconcileGroup(ctx, groupID, orders); err != nil {
				m.metrics.CoordinatorErrors.Inc()
				m.logger.Error("group reconcile failed", "group_id", groupID, "error", err)
			}
		}
		if err := m.workers.Submit(task); err != nil {
			wg.Done()
			m.logger.Warn("reconcile task dropped, pool full", "group_id", groupID)
		}
	}
	wg.Wait()

	if err := m.cache.Heartbeat(ctx, serviceName); err != nil {
		m.logger.Warn("heartbeat write failed", "error", err)
	}
	return nil
}

func (m *Monitor) reconcileGroup(ctx context.Context, groupID uuid.UUID, orders []*core.DCAOrder) error {
	group, err := m.store.Groups().Get(ctx, groupID)
	if err != nil {
		return err
	}
	user, err := m.store.Users().Get(ctx, group.UserID)
	if err != nil {
		return err
	}
	venue, err := m.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return err
	}

	anyChange := false
	for _, o := range orders {
		changed, err := m.reconcileOrder(ctx, venue, group, o)
		if err != nil {
			m.logger.Warn("order reconcile failed",
				"group_id", group.ID, "order_id", o.ID, "error", err)
			continue
		}
		anyChange = anyChange || changed
	}

	currentPrice := m.currentPrice(ctx, venue, group.Venue, group.Symbol)
	if anyChange || currentPrice.IsPositive() {
		if err := m.positions.RefreshAggregates(ctx, group, currentPrice); err != nil {
			return err
		}
	}

	if group.TPMode == core.TPModePerLeg || group.TPMode == core.TPModeHybrid {
		var missing []*core.DCAOrder
		for _, o := range orders {
			if o.IsEntryLeg() && o.Status == core.OrderFilled && !o.TPHit && o.TPOrderID == "" {
				missing = append(missing, o)
			}
		}
		m.placeMissingTPs(ctx, user, group, venue, missing)
	}

	if !group.Status.IsOpen() {
		return nil
	}
	legs, err := m.store.Orders().ListByGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	plan := position.EvaluateTakeProfit(group, legs, currentPrice)
	if len(plan) == 0 {
		return m.positions.SettleIfConsumed(ctx, user, group, currentPrice)
	}
	return m.positions.ApplyTakeProfitPlan(ctx, user, group, plan, currentPrice)
}

// reconcileOrder advances one order from the venue's view. Returns
// whether anything changed.
func (m *Monitor) reconcileOrder(ctx context.Context, venue core.IExchange, group *core.PositionGroup, o *core.DCAOrder) (bool, error) {
	// Resolved entries in the reconcile set are here for their TP order.
	if o.Status == core.OrderFilled {
		return m.reconcileTakeProfit(ctx, venue, group, o)
	}
	if o.ExchangeOrderID == "" {
		return false, nil
	}

	venueOrder, err := venue.GetOrderStatus(ctx, o.ExchangeOrderID, group.Symbol)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// Vanished from the exchange: resolved out-of-band, close it out.
		o.Status = core.OrderCancelled
		return true, m.store.Orders().Update(ctx, o)
	}
	if err != nil {
		return false, err
	}

	prev := o.Status
	prevFilled := o.FilledQuantity
	order.ApplyVenueState(o, venueOrder)
	if o.Status == prev && o.FilledQuantity.Equal(prevFilled) {
		return false, nil
	}
	if err := m.store.Orders().Update(ctx, o); err != nil {
		return false, err
	}
	m.logger.Info("order state advanced",
		"group_id", group.ID, "order_id", o.ID, "from", prev, "to", o.Status)
	return true, nil
}

// reconcileTakeProfit resolves the TP limit hanging off a filled leg.
func (m *Monitor) reconcileTakeProfit(ctx context.Context, venue core.IExchange, group *core.PositionGroup, leg *core.DCAOrder) (bool, error) {
	if leg.TPOrderID == "" || leg.TPHit {
		return false, nil
	}
	tp, err := venue.GetOrderStatus(ctx, leg.TPOrderID, group.Symbol)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// Replace a TP that disappeared without filling.
		leg.TPOrderID = ""
		return true, m.store.Orders().Update(ctx, leg)
	}
	if err != nil {
		return false, err
	}

	switch tp.Status {
	case core.VenueOrderClosed:
		if err := m.positions.RecordTakeProfitFill(ctx, group, leg, tp); err != nil {
			return false, err
		}
		m.logger.Info("take-profit filled",
			"group_id", group.ID, "leg_index", leg.LegIndex, "price", tp.AvgPrice.String())
		return true, nil
	case core.VenueOrderCanceled, core.VenueOrderExpired, core.VenueOrderRejected:
		leg.TPOrderID = ""
		return true, m.store.Orders().Update(ctx, leg)
	}
	return false, nil
}

func (m *Monitor) placeMissingTPs(ctx context.Context, user *core.User, group *core.PositionGroup, venue core.IExchange, legs []*core.DCAOrder) {
	if len(legs) == 0 {
		return
	}
	rules, err := venue.GetPrecisionRules(ctx)
	if err != nil {
		m.logger.Warn("precision fetch failed", "venue", group.Venue, "error", err)
		return
	}
	precision := rules[group.Symbol]
	for _, leg := range legs {
		if leg.TPOrderID != "" || leg.TPHit {
			continue
		}
		if err := m.orders.PlaceTakeProfit(ctx, user, group, leg, precision); err != nil {
			m.logger.Error("take-profit placement failed",
				"group_id", group.ID, "leg_index", leg.LegIndex, "error", err)
		}
	}
}

func (m *Monitor) currentPrice(ctx context.Context, venue core.IExchange, venueName, symbol string) decimal.Decimal {
	if tickers, ok := m.cache.GetTickers(ctx, venueName); ok {
		if price, ok := tickers[symbol]; ok {
			return price
		}
	}
	tickers, err := venue.GetAllTickers(ctx)
	if err != nil {
		return decimal.Zero
	}
	if err := m.cache.SetTickers(ctx, venueName, tickers); err != nil {
		m.logger.Warn("ticker cache write failed", "venue", venueName, "error", err)
	}
	return tickers[symbol]
}
