// Package queue promotes queued signals into position groups on the
// leader, in priority order and bounded by the position pool.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/risk"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/telemetry"
	"spot_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const serviceName = "queue_manager"

// Tier base scores. Geometric separation keeps tie-breaker arithmetic
// inside a tier from ever crossing into the tier above.
var (
	tierPyramidBase     = decimal.New(1, 12)
	tierLossBase        = decimal.New(1, 9)
	tierReplacementBase = decimal.New(1, 6)

	lossWeight        = decimal.New(1, 6)
	replacementWeight = decimal.New(1, 3)
)

// Score ranks a queued signal. hasActiveGroup marks a pyramid
// continuation, the highest tier.
func Score(sig *core.QueuedSignal, hasActiveGroup bool) decimal.Decimal {
	lossBonus := decimal.Zero
	if sig.CurrentLossPercent.IsNegative() {
		magnitude := decimal.Min(sig.CurrentLossPercent.Abs(), decimal.NewFromInt(100))
		lossBonus = magnitude.Mul(lossWeight)
	}
	replacementBonus := decimal.Min(decimal.NewFromInt(int64(sig.ReplacementCount)), decimal.NewFromInt(999)).Mul(replacementWeight)

	switch {
	case hasActiveGroup:
		return tierPyramidBase.Add(lossBonus).Add(replacementBonus)
	case sig.CurrentLossPercent.IsNegative():
		return tierLossBase.Add(lossBonus).Add(replacementBonus)
	case sig.ReplacementCount > 0:
		return tierReplacementBase.Add(replacementBonus)
	default:
		return decimal.Zero
	}
}

// Manager is the leader-only promotion loop.
type Manager struct {
	store     core.Store
	gateway   core.IExchangeGateway
	positions *position.Manager
	gate      *risk.Gate
	pool      core.IPoolManager
	cache     *coordination.Cache
	logger    core.ILogger
	metrics   *telemetry.Metrics

	interval time.Duration
	kick     chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager wires the queue manager.
func NewManager(store core.Store, gateway core.IExchangeGateway, positions *position.Manager, gate *risk.Gate, pool core.IPoolManager, cache *coordination.Cache, cfg config.EngineConfig, logger core.ILogger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		store:     store,
		gateway:   gateway,
		positions: positions,
		gate:      gate,
		pool:      pool,
		cache:     cache,
		logger:    logger.WithField("component", serviceName),
		metrics:   metrics,
		interval:  cfg.QueueInterval,
		kick:      make(chan struct{}, 1),
	}
}

// Wake triggers an immediate pass, used when a pool slot frees up.
func (m *Manager) Wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the loop. Idempotent.
func (m *Manager) Start(ctx context.Context) {
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

// Stop cancels the loop and waits for the in-flight pass.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		cycleCtx, cancel := context.WithTimeout(ctx, m.interval)
		start := time.Now()
		if err := m.RunCycle(cycleCtx); err != nil {
			m.logger.Error("promotion pass failed", "error", err)
		}
		m.metrics.LoopDuration.WithLabelValues(serviceName).Observe(time.Since(start).Seconds())
		cancel()
	}
}

// RunCycle executes one promotion pass.
func (m *Manager) RunCycle(ctx context.Context) error {
	signals, err := m.store.Signals().ListQueued(ctx)
	if err != nil {
		return err
	}
	m.metrics.QueueDepth.Set(float64(len(signals)))
	if len(signals) == 0 {
		if err := m.cache.Heartbeat(ctx, serviceName); err != nil {
			m.logger.Warn("heartbeat write failed", "error", err)
		}
		return nil
	}

	users := make(map[uuid.UUID]*core.User)
	for _, sig := range signals {
		user, ok := users[sig.UserID]
		if !ok {
			user, err = m.store.Users().Get(ctx, sig.UserID)
			if err != nil {
				m.logger.Error("user lookup failed", "user_id", sig.UserID, "error", err)
				continue
			}
			users[sig.UserID] = user
		}
		m.refreshSignal(ctx, user, sig)
	}

	sort.Slice(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if !a.PriorityScore.Equal(b.PriorityScore) {
			return a.PriorityScore.GreaterThan(b.PriorityScore)
		}
		return a.QueuedAt.Before(b.QueuedAt)
	})

	for _, sig := range signals {
		user, ok := users[sig.UserID]
		if !ok {
			continue
		}
		m.promote(ctx, user, sig)
	}

	if err := m.cache.Heartbeat(ctx, serviceName); err != nil {
		m.logger.Warn("heartbeat write failed", "error", err)
	}
	return nil
}

// refreshSignal recomputes the signal's loss percent against its active
// matching group and persists the new priority score.
func (m *Manager) refreshSignal(ctx context.Context, user *core.User, sig *core.QueuedSignal) {
	group, err := m.store.Groups().FindOpenByKey(ctx, user.ID, sig.Venue, sig.Symbol, sig.Timeframe, sig.Side)
	if err != nil {
		m.logger.Warn("group lookup failed", "signal_id", sig.ID, "error", err)
		group = nil
	}

	hasActive := group != nil
	sig.IsPyramid = hasActive
	if hasActive && group.WeightedAvgEntry.IsPositive() {
		if price, ok := m.currentPrice(ctx, user, sig.Venue, sig.Symbol); ok {
			sig.CurrentLossPercent = tradingutils.SignedChangePercent(price, group.WeightedAvgEntry)
		}
	}

	sig.PriorityScore = Score(sig, hasActive)
	if err := m.store.Signals().Update(ctx, sig); err != nil {
		m.logger.Warn("signal refresh persist failed", "signal_id", sig.ID, "error", err)
	}
}

func (m *Manager) currentPrice(ctx context.Context, user *core.User, venue, symbol string) (decimal.Decimal, bool) {
	if tickers, ok := m.cache.GetTickers(ctx, venue); ok {
		if price, ok := tickers[symbol]; ok {
			return price, true
		}
	}
	conn, err := m.gateway.Connector(ctx, user, venue)
	if err != nil {
		return decimal.Zero, false
	}
	tickers, err := conn.GetAllTickers(ctx)
	if err != nil {
		return decimal.Zero, false
	}
	if err := m.cache.SetTickers(ctx, venue, tickers); err != nil {
		m.logger.Warn("ticker cache write failed", "venue", venue, "error", err)
	}
	price, ok := tickers[symbol]
	return price, ok
}

// promote attempts one signal: gate, slot, create-or-pyramid. Gate and
// creation failures retire the signal with a reason; a full pool leaves
// it queued for the next pass.
func (m *Manager) promote(ctx context.Context, user *core.User, sig *core.QueuedSignal) {
	if err := m.gate.Check(ctx, user, sig); err != nil {
		m.failSignal(ctx, sig, err.Error())
		m.metrics.Promotions.WithLabelValues("gate_rejected").Inc()
		m.logger.Info("signal rejected by gate",
			"signal_id", sig.ID, "symbol", sig.Symbol, "reason", err.Error())
		return
	}

	if !m.pool.RequestSlot(user.ID) {
		return
	}

	group, err := m.positions.CreateFromSignal(ctx, user, sig)
	if err != nil {
		m.pool.ReleaseSlot(user.ID)
		m.failSignal(ctx, sig, err.Error())
		m.metrics.Promotions.WithLabelValues("failed").Inc()
		m.logger.Error("promotion failed",
			"signal_id", sig.ID, "symbol", sig.Symbol, "error", err)
		return
	}
	if sig.IsPyramid {
		// Pyramid continuations do not occupy a new slot.
		m.pool.ReleaseSlot(user.ID)
	}

	sig.Status = core.SignalPromoted
	if err := m.store.Signals().Update(ctx, sig); err != nil {
		m.logger.Error("signal status persist failed", "signal_id", sig.ID, "error", err)
	}
	m.metrics.Promotions.WithLabelValues("promoted").Inc()
	m.logger.Info("signal promoted",
		"signal_id", sig.ID, "group_id", group.ID, "symbol", sig.Symbol, "pyramid", sig.IsPyramid)
}

func (m *Manager) failSignal(ctx context.Context, sig *core.QueuedSignal, reason string) {
	sig.Status = core.SignalFailed
	sig.FailureReason = reason
	if err := m.store.Signals().Update(ctx, sig); err != nil {
		m.logger.Error("signal failure persist failed", "signal_id", sig.ID, "error", err)
	}
}
