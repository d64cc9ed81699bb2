package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const serviceName = "risk_engine"

// Engine runs the offset cycle on the leader.
type Engine struct {
	store     core.Store
	gateway   core.IExchangeGateway
	positions *position.Manager
	cache     *coordination.Cache
	logger    core.ILogger
	metrics   *telemetry.Metrics

	interval       time.Duration
	stuckThreshold time.Duration
	now            func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewEngine wires the risk engine.
func NewEngine(store core.Store, gateway core.IExchangeGateway, positions *position.Manager, cache *coordination.Cache, cfg config.EngineConfig, logger core.ILogger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:          store,
		gateway:        gateway,
		positions:      positions,
		cache:          cache,
		logger:         logger.WithField("component", serviceName),
		metrics:        metrics,
		interval:       cfg.RiskInterval,
		stuckThreshold: cfg.StuckClosingThreshold,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Start launches the loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go e.run(loopCtx)
}

// Stop cancels the loop and waits for the in-flight cycle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, e.interval)
			start := time.Now()
			if err := e.RunCycle(cycleCtx); err != nil {
				e.logger.Error("risk cycle failed", "error", err)
			}
			e.metrics.LoopDuration.WithLabelValues(serviceName).Observe(time.Since(start).Seconds())
			cancel()
		}
	}
}

// RunCycle executes one full pass: stuck recovery, timer updates, and
// at most one offset per user.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.recoverStuck(ctx); err != nil {
		e.logger.Error("stuck recovery failed", "error", err)
	}

	users, err := e.store.Users().List(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if err := e.runUserCycle(ctx, user); err != nil {
			e.logger.Error("user risk cycle failed", "user_id", user.ID, "error", err)
		}
	}
	if err := e.cache.Heartbeat(ctx, serviceName); err != nil {
		e.logger.Warn("heartbeat write failed", "error", err)
	}
	return nil
}

// recoverStuck is Step 1: closing groups that stalled revert to active
// (or finalize when nothing is left to sell).
func (e *Engine) recoverStuck(ctx context.Context) error {
	groups, err := e.store.Groups().ListByStatus(ctx, core.GroupClosing)
	if err != nil {
		return err
	}
	now := e.now()
	for _, g := range groups {
		ref := g.UpdatedAt
		if g.ClosingStartedAt != nil && g.ClosingStartedAt.After(ref) {
			ref = *g.ClosingStartedAt
		}
		if now.Sub(ref) <= e.stuckThreshold {
			continue
		}
		if g.TotalFilledQty.IsPositive() {
			g.Status = core.GroupActive
			g.ClosingStartedAt = nil
			g.RiskTimerStart = nil
			g.RiskTimerExpires = nil
			g.RiskEligible = false
			e.logger.Warn("reverted stuck closing group", "group_id", g.ID)
		} else {
			closedAt := now
			g.Status = core.GroupClosed
			g.ClosedAt = &closedAt
			g.ClosingStartedAt = nil
			e.logger.Warn("finalized stuck empty group", "group_id", g.ID)
		}
		if err := e.store.Groups().Update(ctx, g); err != nil {
			e.logger.Error("stuck recovery update failed", "group_id", g.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) tickersFor(ctx context.Context, user *core.User, venue string) (map[string]decimal.Decimal, error) {
	if cached, ok := e.cache.GetTickers(ctx, venue); ok {
		return cached, nil
	}
	conn, err := e.gateway.Connector(ctx, user, venue)
	if err != nil {
		return nil, err
	}
	tickers, err := conn.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.SetTickers(ctx, venue, tickers); err != nil {
		e.logger.Warn("ticker cache write failed", "venue", venue, "error", err)
	}
	return tickers, nil
}

func (e *Engine) runUserCycle(ctx context.Context, user *core.User) error {
	groups, err := e.store.Groups().ListByUserAndStatus(ctx, user.ID,
		core.GroupLive, core.GroupPartiallyFilled, core.GroupActive)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	// Refresh unrealized PnL before any decision.
	tickersByVenue := make(map[string]map[string]decimal.Decimal)
	for _, g := range groups {
		tickers, ok := tickersByVenue[g.Venue]
		if !ok {
			tickers, err = e.tickersFor(ctx, user, g.Venue)
			if err != nil {
				e.logger.Warn("ticker fetch failed", "venue", g.Venue, "error", err)
				continue
			}
			tickersByVenue[g.Venue] = tickers
		}
		if price, ok := tickers[g.Symbol]; ok {
			if err := e.positions.RefreshAggregates(ctx, g, price); err != nil {
				e.logger.Warn("aggregate refresh failed", "group_id", g.ID, "error", err)
			}
		}
	}

	for _, g := range groups {
		if g.Status == core.GroupActive {
			e.updateTimer(ctx, g, user.Risk)
		}
	}

	if !user.Risk.Enabled {
		return nil
	}

	loser := SelectLoser(groups, user.Risk)
	if loser == nil {
		return nil
	}
	winners := SelectWinners(groups, loser, user.Risk.MaxWinnersToCombine)
	if len(winners) == 0 || !CombinedProfitCovers(winners, loser) {
		e.logger.Debug("offset aborted, winners cannot cover loser",
			"loser", loser.ID, "winners", len(winners))
		return nil
	}

	prices := make(map[string]decimal.Decimal)
	precisions := make(map[string]core.PrecisionRules)
	for _, w := range winners {
		tickers := tickersByVenue[w.Venue]
		if price, ok := tickers[w.Symbol]; ok {
			prices[w.Symbol] = price
		}
		conn, err := e.gateway.Connector(ctx, user, w.Venue)
		if err != nil {
			return err
		}
		rules, err := conn.GetPrecisionRules(ctx)
		if err != nil {
			return err
		}
		if p, ok := rules[w.Symbol]; ok {
			precisions[w.Symbol] = p
		}
	}

	plan := BuildClosePlan(winners, loser.UnrealizedPnLUSD.Abs(), prices, precisions)
	if plan == nil {
		e.logger.Debug("offset aborted, close plan infeasible", "loser", loser.ID)
		return nil
	}
	return e.executeOffset(ctx, user, loser, plan, prices)
}

// updateTimer is Step 2: the per-group timer state machine.
func (e *Engine) updateTimer(ctx context.Context, g *core.PositionGroup, cfg core.RiskConfig) {
	now := e.now()
	complete := PyramidsComplete(g, cfg.RequiredPyramidsForTimer)
	inLoss := lossDeepEnough(g, cfg.LossThresholdPercent)

	switch {
	case g.RiskTimerStart == nil && complete && inLoss:
		expires := now.Add(time.Duration(cfg.PostPyramidsWaitMinutes) * time.Minute)
		g.RiskTimerStart = &now
		g.RiskTimerExpires = &expires
		g.RiskEligible = false
		e.emitTimerEvent(ctx, g, "timer_started")
	case g.RiskTimerStart != nil && (!complete || !g.UnrealizedPnLPercent.IsNegative()):
		g.RiskTimerStart = nil
		g.RiskTimerExpires = nil
		g.RiskEligible = false
		e.emitTimerEvent(ctx, g, "timer_reset")
	case g.RiskTimerStart != nil && !g.RiskEligible && g.RiskTimerExpires != nil && !now.Before(*g.RiskTimerExpires):
		g.RiskEligible = true
		e.emitTimerEvent(ctx, g, "timer_expired")
	default:
		return
	}
	if err := e.store.Groups().Update(ctx, g); err != nil {
		e.logger.Error("timer update failed", "group_id", g.ID, "error", err)
	}
}

func (e *Engine) emitTimerEvent(ctx context.Context, g *core.PositionGroup, event string) {
	e.metrics.RiskTimerEvents.WithLabelValues(event).Inc()
	e.logger.Info("risk timer event", "group_id", g.ID, "event", event)
}

// executeOffset is Step 5: winners first, loser last. A winner failure
// aborts before the loser is touched; Step 1 mops up partial closes.
func (e *Engine) executeOffset(ctx context.Context, user *core.User, loser *core.PositionGroup, plan []PlannedClose, prices map[string]decimal.Decimal) error {
	e.logger.Info("executing offset",
		"loser", loser.ID, "loss_usd", loser.UnrealizedPnLUSD.String(), "winners", len(plan))

	for _, pc := range plan {
		note := fmt.Sprintf("offsetting loss on group %s", loser.ID)
		if err := e.positions.ClosePartial(ctx, user, pc.Group.ID, pc.Quantity, prices[pc.Group.Symbol], core.RiskActionOffsetWinner, note); err != nil {
			return fmt.Errorf("winner close failed, offset aborted: %w", err)
		}
	}

	loserPrice := prices[loser.Symbol]
	if loserPrice.IsZero() {
		tickers, err := e.tickersFor(ctx, user, loser.Venue)
		if err == nil {
			loserPrice = tickers[loser.Symbol]
		}
	}
	return e.positions.ExitClose(ctx, user, loser.ID, loserPrice,
		decimal.NewFromInt(100), order.SlippageWarn, core.RiskActionOffsetLoss,
		fmt.Sprintf("offset by %d winner closes", len(plan)))
}
