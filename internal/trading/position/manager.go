// Package position owns the PositionGroup lifecycle: creation from
// signals, pyramid continuation, exit closes, take-profit application,
// and aggregate-statistics refresh.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/exchange"
	"spot_trader/internal/grid"
	"spot_trader/internal/trading/order"
	"spot_trader/pkg/telemetry"
	"spot_trader/pkg/tradingutils"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const positionLockTTL = 30 * time.Second

// Manager drives all PositionGroup state transitions.
type Manager struct {
	store       core.Store
	gateway     core.IExchangeGateway
	orders      *order.Service
	coord       core.ICoordinator
	logger      core.ILogger
	metrics     *telemetry.Metrics
	exitFeeRate decimal.Decimal
}

// NewManager wires the position manager. exitFeeRate is the estimated
// taker fee used for unrealized PnL (typically 0.001).
func NewManager(store core.Store, gateway core.IExchangeGateway, orders *order.Service, coord core.ICoordinator, logger core.ILogger, metrics *telemetry.Metrics, exitFeeRate float64) *Manager {
	return &Manager{
		store:       store,
		gateway:     gateway,
		orders:      orders,
		coord:       coord,
		logger:      logger.WithField("component", "position_manager"),
		metrics:     metrics,
		exitFeeRate: decimal.NewFromFloat(exitFeeRate),
	}
}

// ladderConfig sizes the ladder from the signal's requested notional
// when the webhook carried one, else from the user's configured default.
func ladderConfig(user *core.User, orderSizeUSD decimal.Decimal) core.DCAConfig {
	cfg := user.DCADefaults
	if orderSizeUSD.IsPositive() {
		cfg.TotalCapitalUSD = orderSizeUSD
	}
	return cfg
}

func newPositionLockKey(userID uuid.UUID, symbol string, timeframe int, side core.Side) string {
	return fmt.Sprintf("position:new:%s:%s:%d:%s", userID, symbol, timeframe, side)
}

func groupLockKey(groupID uuid.UUID) string {
	return fmt.Sprintf("position:%s", groupID)
}

// withLock runs fn under a tokenized coordination lock.
func (m *Manager) withLock(ctx context.Context, resource string, fn func() error) error {
	token := uuid.NewString()
	ok, err := m.coord.AcquireLock(ctx, resource, token, positionLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrLockContended, resource)
	}
	defer func() {
		if _, err := m.coord.ReleaseLock(ctx, resource, token); err != nil {
			m.logger.Warn("lock release failed", "resource", resource, "error", err)
		}
	}()
	return fn()
}

func (m *Manager) precisionFor(ctx context.Context, venue core.IExchange, symbol string) (core.PrecisionRules, error) {
	rules, err := venue.GetPrecisionRules(ctx)
	if err != nil {
		return core.PrecisionRules{}, err
	}
	p, ok := rules[symbol]
	if !ok {
		return core.PrecisionRules{}, fmt.Errorf("%w: %s on %s", apperrors.ErrPrecisionMissing, symbol, venue.Name())
	}
	return p, nil
}

// CreateFromSignal opens a new group for the signal, or appends a
// pyramid when an open group already exists on the same key.
func (m *Manager) CreateFromSignal(ctx context.Context, user *core.User, sig *core.QueuedSignal) (*core.PositionGroup, error) {
	var created *core.PositionGroup
	lockKey := newPositionLockKey(user.ID, sig.Symbol, sig.Timeframe, sig.Side)

	err := m.withLock(ctx, lockKey, func() error {
		// Concurrent promotion guard: the winner of the lock may find the
		// group already created.
		existing, err := m.store.Groups().FindOpenByKey(ctx, user.ID, sig.Venue, sig.Symbol, sig.Timeframe, sig.Side)
		if err != nil {
			return err
		}
		if existing != nil {
			created = existing
			return m.appendPyramid(ctx, user, existing, sig.EntryPrice, sig.OrderSizeUSD)
		}

		venue, err := m.gateway.Connector(ctx, user, sig.Venue)
		if err != nil {
			return err
		}
		precision, err := m.precisionFor(ctx, venue, sig.Symbol)
		if err != nil {
			return err
		}

		cfg := ladderConfig(user, sig.OrderSizeUSD)
		legs, err := grid.Calculate(sig.EntryPrice, cfg, sig.Side, precision, 0)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		group := &core.PositionGroup{
			ID:                 uuid.New(),
			UserID:             user.ID,
			Venue:              sig.Venue,
			Symbol:             sig.Symbol,
			Timeframe:          sig.Timeframe,
			Side:               sig.Side,
			BaseEntryPrice:     sig.EntryPrice,
			TotalDCALegs:       len(legs),
			PyramidCount:       1,
			MaxPyramids:        cfg.MaxPyramids,
			TPMode:             cfg.TPMode,
			TPAggregatePercent: cfg.TPAggregatePercent,
			ReplacementCount:   sig.ReplacementCount,
			Status:             core.GroupWaiting,
			CreatedAt:          now,
		}
		pyramid := &core.Pyramid{
			ID:             uuid.New(),
			GroupID:        group.ID,
			PyramidIndex:   0,
			EntryPrice:     sig.EntryPrice,
			EntryTimestamp: now,
			Config:         cfg,
			Status:         core.PyramidPending,
		}
		if err := m.store.WithTx(ctx, func(ctx context.Context) error {
			if err := m.store.Groups().Create(ctx, group); err != nil {
				return err
			}
			return m.store.Pyramids().Create(ctx, pyramid)
		}); err != nil {
			return err
		}

		placed, err := m.orders.PlaceEntryLadder(ctx, user, group, pyramid, legs)
		if err != nil || allFailed(placed) {
			group.Status = core.GroupFailed
			if uerr := m.store.Groups().Update(ctx, group); uerr != nil {
				m.logger.Error("failed to mark group failed", "group_id", group.ID, "error", uerr)
			}
			if err == nil {
				err = fmt.Errorf("all %d entry legs failed to submit", len(legs))
			}
			return err
		}

		group.Status = core.GroupLive
		if err := m.store.Groups().Update(ctx, group); err != nil {
			return err
		}
		m.logger.Info("position group created",
			"group_id", group.ID, "user_id", user.ID, "symbol", sig.Symbol, "legs", len(legs))
		created = group
		return nil
	})
	return created, err
}

func allFailed(orders []*core.DCAOrder) bool {
	if len(orders) == 0 {
		return true
	}
	for _, o := range orders {
		if o.Status != core.OrderFailed {
			return false
		}
	}
	return true
}

// AddPyramid appends the next entry wave to an open group at the
// current market price.
func (m *Manager) AddPyramid(ctx context.Context, user *core.User, groupID uuid.UUID) error {
	return m.withLock(ctx, groupLockKey(groupID), func() error {
		group, err := m.store.Groups().Get(ctx, groupID)
		if err != nil {
			return err
		}
		venue, err := m.gateway.Connector(ctx, user, group.Venue)
		if err != nil {
			return err
		}
		basePrice, err := venue.GetCurrentPrice(ctx, group.Symbol)
		if err != nil {
			return err
		}
		return m.appendPyramid(ctx, user, group, basePrice, decimal.Zero)
	})
}

// appendPyramid assumes the caller already holds the relevant lock.
func (m *Manager) appendPyramid(ctx context.Context, user *core.User, group *core.PositionGroup, basePrice, orderSizeUSD decimal.Decimal) error {
	if !group.Status.IsOpen() && group.Status != core.GroupWaiting {
		return fmt.Errorf("%w: group %s is %s", apperrors.ErrGroupNotActive, group.ID, group.Status)
	}
	if group.MaxPyramids > 0 && group.PyramidCount >= group.MaxPyramids {
		return fmt.Errorf("%w: group %s at pyramid cap %d", apperrors.ErrValidation, group.ID, group.MaxPyramids)
	}

	venue, err := m.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return err
	}
	precision, err := m.precisionFor(ctx, venue, group.Symbol)
	if err != nil {
		return err
	}

	pyramidIndex := group.PyramidCount
	cfg := ladderConfig(user, orderSizeUSD)
	legs, err := grid.Calculate(basePrice, cfg, group.Side, precision, pyramidIndex)
	if err != nil {
		return err
	}

	pyramid := &core.Pyramid{
		ID:             uuid.New(),
		GroupID:        group.ID,
		PyramidIndex:   pyramidIndex,
		EntryPrice:     basePrice,
		EntryTimestamp: time.Now().UTC(),
		Config:         cfg,
		Status:         core.PyramidPending,
	}
	if err := m.store.WithTx(ctx, func(ctx context.Context) error {
		locked, err := m.store.Groups().GetForUpdate(ctx, group.ID)
		if err != nil {
			return err
		}
		if locked.MaxPyramids > 0 && locked.PyramidCount >= locked.MaxPyramids {
			return fmt.Errorf("%w: group %s at pyramid cap %d", apperrors.ErrValidation, locked.ID, locked.MaxPyramids)
		}
		if err := m.store.Pyramids().Create(ctx, pyramid); err != nil {
			return err
		}
		return m.store.Groups().BumpPyramid(ctx, group.ID, len(legs))
	}); err != nil {
		return err
	}
	group.PyramidCount++
	group.TotalDCALegs += len(legs)

	if _, err := m.orders.PlaceEntryLadder(ctx, user, group, pyramid, legs); err != nil {
		return err
	}
	m.logger.Info("pyramid appended",
		"group_id", group.ID, "pyramid_index", pyramidIndex, "base_price", basePrice.String(), "legs", len(legs))
	return nil
}

// remainingQuantity is entry fills minus the synthetic sell records
// written by take-profit and offset closes.
func remainingQuantity(orders []*core.DCAOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if o.IsEntryLeg() {
			total = total.Add(o.FilledQuantity)
		} else {
			total = total.Sub(o.FilledQuantity)
		}
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// ExitClose cancels all venue orders of the group and market-sells the
// remaining quantity. actionType keys the RiskAction audit record.
func (m *Manager) ExitClose(ctx context.Context, user *core.User, groupID uuid.UUID, expectedPrice, maxSlippagePercent decimal.Decimal, slippageAction order.SlippageAction, actionType, notes string) error {
	return m.withLock(ctx, groupLockKey(groupID), func() error {
		group, err := m.store.Groups().Get(ctx, groupID)
		if err != nil {
			return err
		}
		if !group.Status.IsOpen() {
			return fmt.Errorf("%w: group %s is %s", apperrors.ErrGroupNotActive, group.ID, group.Status)
		}

		now := time.Now().UTC()
		group.Status = core.GroupClosing
		group.ClosingStartedAt = &now
		if err := m.store.Groups().Update(ctx, group); err != nil {
			return err
		}

		if err := m.orders.CancelGroupOrders(ctx, user, group); err != nil {
			m.logger.Warn("order cancellation incomplete", "group_id", group.ID, "error", err)
		}

		orders, err := m.store.Orders().ListByGroup(ctx, group.ID)
		if err != nil {
			return m.revertClosing(ctx, group, err)
		}
		qty := remainingQuantity(orders)
		if !qty.IsPositive() {
			return m.finalizeClosed(ctx, group, decimal.Zero, decimal.Zero, decimal.Zero, actionType, notes)
		}

		result, err := m.orders.ClosePositionMarket(ctx, user, group, qty, expectedPrice, maxSlippagePercent, slippageAction)
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			result, err = m.retryWithFreeBalance(ctx, user, group, expectedPrice, maxSlippagePercent, slippageAction)
		}
		if err != nil {
			return m.revertClosing(ctx, group, err)
		}

		fill := result.Order
		exitValue := fill.Filled.Mul(fill.AvgPrice)
		costBasis := group.WeightedAvgEntry.Mul(fill.Filled)
		pnl := exitValue.Sub(costBasis).Sub(fill.Fee)
		return m.finalizeClosed(ctx, group, fill.Filled, pnl, fill.Fee, actionType, notes)
	})
}

// retryWithFreeBalance handles venues whose accounting disagrees with
// ours: sell whatever base-currency balance is actually free.
func (m *Manager) retryWithFreeBalance(ctx context.Context, user *core.User, group *core.PositionGroup, expectedPrice, maxSlippagePercent decimal.Decimal, slippageAction order.SlippageAction) (*order.CloseResult, error) {
	venue, err := m.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return nil, err
	}
	bal, err := venue.FetchBalance(ctx, exchange.BaseCurrency(group.Symbol))
	if err != nil {
		return nil, err
	}
	precision, err := m.precisionFor(ctx, venue, group.Symbol)
	if err != nil {
		return nil, err
	}
	qty := tradingutils.FloorToStep(bal.Free, precision.StepSize)
	if !qty.IsPositive() {
		return nil, apperrors.ErrInsufficientFunds
	}
	m.logger.Warn("retrying close with free balance",
		"group_id", group.ID, "free", bal.Free.String(), "quantity", qty.String())
	return m.orders.ClosePositionMarket(ctx, user, group, qty, expectedPrice, maxSlippagePercent, slippageAction)
}

func (m *Manager) revertClosing(ctx context.Context, group *core.PositionGroup, cause error) error {
	group.Status = core.GroupActive
	group.ClosingStartedAt = nil
	if err := m.store.Groups().Update(ctx, group); err != nil {
		m.logger.Error("failed to revert closing group", "group_id", group.ID, "error", err)
	}
	return cause
}

func (m *Manager) finalizeClosed(ctx context.Context, group *core.PositionGroup, qtyClosed, pnl, exitFee decimal.Decimal, actionType, notes string) error {
	now := time.Now().UTC()
	exitPrice := decimal.Zero
	if qtyClosed.IsPositive() {
		exitPrice = pnl.Add(group.WeightedAvgEntry.Mul(qtyClosed)).Add(exitFee).Div(qtyClosed)
	}

	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)
	group.TotalExitFeesUSD = group.TotalExitFeesUSD.Add(exitFee)
	group.TotalFilledQty = decimal.Zero
	group.UnrealizedPnLUSD = decimal.Zero
	group.UnrealizedPnLPercent = decimal.Zero
	group.Status = core.GroupClosed
	group.ClosedAt = &now
	group.ClosingStartedAt = nil
	group.RiskTimerStart = nil
	group.RiskTimerExpires = nil
	group.RiskEligible = false

	action := &core.RiskAction{
		ID:              uuid.New(),
		GroupID:         group.ID,
		ActionType:      actionType,
		ExitPrice:       exitPrice,
		EntryPrice:      group.WeightedAvgEntry,
		PnLPercent:      tradingutils.SignedChangePercent(exitPrice, group.WeightedAvgEntry),
		RealizedPnLUSD:  pnl,
		QuantityClosed:  qtyClosed,
		DurationSeconds: int64(now.Sub(group.CreatedAt).Seconds()),
		Notes:           notes,
		Timestamp:       now,
	}
	if err := m.store.WithTx(ctx, func(ctx context.Context) error {
		if err := m.store.Groups().Update(ctx, group); err != nil {
			return err
		}
		return m.store.RiskActions().Create(ctx, action)
	}); err != nil {
		return err
	}
	m.metrics.GroupsClosed.WithLabelValues(actionType).Inc()
	m.metrics.RiskActions.WithLabelValues(actionType).Inc()
	m.logger.Info("position group closed",
		"group_id", group.ID, "action", actionType, "realized_pnl", pnl.String())
	return nil
}

// RefreshAggregates recomputes the group's fill statistics from its
// entry legs and advances live → partially_filled → active.
func (m *Manager) RefreshAggregates(ctx context.Context, group *core.PositionGroup, currentPrice decimal.Decimal) error {
	orders, err := m.store.Orders().ListByGroup(ctx, group.ID)
	if err != nil {
		return err
	}

	var (
		qtys, prices []decimal.Decimal
		invested     = decimal.Zero
		entryFees    = decimal.Zero
		filledLegs   = 0
		anyFill      = false
	)
	for _, leg := range orders {
		if !leg.IsEntryLeg() {
			continue
		}
		if leg.FilledQuantity.IsPositive() {
			anyFill = true
			qtys = append(qtys, leg.FilledQuantity)
			prices = append(prices, leg.AvgFillPrice)
			invested = invested.Add(leg.FilledQuantity.Mul(leg.AvgFillPrice))
			entryFees = entryFees.Add(leg.Fee)
		}
		if leg.Status == core.OrderFilled {
			filledLegs++
		}
	}

	group.WeightedAvgEntry = tradingutils.WeightedAverage(qtys, prices)
	group.TotalInvestedUSD = invested
	group.TotalEntryFeesUSD = entryFees
	group.FilledDCALegs = filledLegs
	group.TotalFilledQty = remainingQuantity(orders)

	if currentPrice.IsPositive() && group.TotalFilledQty.IsPositive() {
		gross := currentPrice.Sub(group.WeightedAvgEntry).Mul(group.TotalFilledQty)
		estExitFee := group.TotalFilledQty.Mul(currentPrice).Mul(m.exitFeeRate)
		group.UnrealizedPnLUSD = gross.Sub(estExitFee)
		group.UnrealizedPnLPercent = tradingutils.SignedChangePercent(currentPrice, group.WeightedAvgEntry)
	} else {
		group.UnrealizedPnLUSD = decimal.Zero
		group.UnrealizedPnLPercent = decimal.Zero
	}

	if group.Status == core.GroupLive || group.Status == core.GroupPartiallyFilled {
		switch {
		case group.TotalDCALegs > 0 && filledLegs >= group.TotalDCALegs:
			group.Status = core.GroupActive
		case anyFill:
			group.Status = core.GroupPartiallyFilled
		}
	}
	return m.store.Groups().Update(ctx, group)
}

// ApplyTakeProfitPlan executes evaluator output: cancels any resting TP
// limit, market-sells the leg quantity, and records the fill.
func (m *Manager) ApplyTakeProfitPlan(ctx context.Context, user *core.User, group *core.PositionGroup, plan []TPClose, currentPrice decimal.Decimal) error {
	if len(plan) == 0 {
		return nil
	}
	venue, err := m.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return err
	}
	for _, tp := range plan {
		if tp.Leg.TPOrderID != "" {
			if err := venue.CancelOrder(ctx, tp.Leg.TPOrderID, group.Symbol); err != nil &&
				!errors.Is(err, apperrors.ErrOrderNotFound) {
				m.logger.Warn("tp limit cancel failed",
					"group_id", group.ID, "tp_order_id", tp.Leg.TPOrderID, "error", err)
				continue
			}
		}
		result, err := m.orders.ClosePositionMarket(ctx, user, group, tp.Quantity, currentPrice, decimal.NewFromInt(100), order.SlippageWarn)
		if err != nil {
			m.logger.Error("take-profit close failed",
				"group_id", group.ID, "leg_index", tp.Leg.LegIndex, "error", err)
			continue
		}
		if err := m.RecordTakeProfitFill(ctx, group, tp.Leg, result.Order); err != nil {
			return err
		}
	}
	return m.settleAfterTP(ctx, user, group, currentPrice)
}

// ClosePartial market-sells part of a winner without retiring the
// group. Used by the risk offset executor.
func (m *Manager) ClosePartial(ctx context.Context, user *core.User, groupID uuid.UUID, qty, currentPrice decimal.Decimal, actionType, notes string) error {
	return m.withLock(ctx, groupLockKey(groupID), func() error {
		group, err := m.store.Groups().Get(ctx, groupID)
		if err != nil {
			return err
		}
		if !group.Status.IsOpen() {
			return fmt.Errorf("%w: group %s is %s", apperrors.ErrGroupNotActive, group.ID, group.Status)
		}

		priorStatus := group.Status
		now := time.Now().UTC()
		group.Status = core.GroupClosing
		group.ClosingStartedAt = &now
		if err := m.store.Groups().Update(ctx, group); err != nil {
			return err
		}

		result, err := m.orders.ClosePositionMarket(ctx, user, group, qty, currentPrice, decimal.NewFromInt(100), order.SlippageWarn)
		if err != nil {
			group.Status = priorStatus
			group.ClosingStartedAt = nil
			if uerr := m.store.Groups().Update(ctx, group); uerr != nil {
				m.logger.Error("failed to revert partial close", "group_id", group.ID, "error", uerr)
			}
			return err
		}

		fill := result.Order
		pnl := fill.AvgPrice.Sub(group.WeightedAvgEntry).Mul(fill.Filled).Sub(fill.Fee)
		record := &core.DCAOrder{
			ID:              uuid.New(),
			GroupID:         group.ID,
			LegIndex:        core.TPFillLegIndex,
			Side:            group.Side.Opposite(),
			OrderType:       core.OrderTypeMarket,
			Price:           fill.AvgPrice,
			Quantity:        fill.Filled,
			ExchangeOrderID: fill.ID,
			Status:          core.OrderFilled,
			FilledQuantity:  fill.Filled,
			AvgFillPrice:    fill.AvgPrice,
			Fee:             fill.Fee,
			FeeCurrency:     fill.FeeCurrency,
			FilledAt:        &now,
		}
		action := &core.RiskAction{
			ID:              uuid.New(),
			GroupID:         group.ID,
			ActionType:      actionType,
			ExitPrice:       fill.AvgPrice,
			EntryPrice:      group.WeightedAvgEntry,
			PnLPercent:      tradingutils.SignedChangePercent(fill.AvgPrice, group.WeightedAvgEntry),
			RealizedPnLUSD:  pnl,
			QuantityClosed:  fill.Filled,
			DurationSeconds: int64(now.Sub(group.CreatedAt).Seconds()),
			Notes:           notes,
			Timestamp:       now,
		}
		if err := m.store.WithTx(ctx, func(ctx context.Context) error {
			if err := m.store.Orders().Create(ctx, record); err != nil {
				return err
			}
			return m.store.RiskActions().Create(ctx, action)
		}); err != nil {
			return err
		}
		m.metrics.RiskActions.WithLabelValues(actionType).Inc()

		group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)
		group.TotalExitFeesUSD = group.TotalExitFeesUSD.Add(fill.Fee)
		group.Status = priorStatus
		group.ClosingStartedAt = nil
		if err := m.RefreshAggregates(ctx, group, currentPrice); err != nil {
			return err
		}
		if !group.TotalFilledQty.IsPositive() && len(mustOpen(m, ctx, group)) == 0 {
			return m.finalizeClosed(ctx, group, decimal.Zero, decimal.Zero, decimal.Zero, actionType, "fully consumed by offset closes")
		}
		m.logger.Info("partial close executed",
			"group_id", group.ID, "quantity", fill.Filled.String(), "realized_pnl", pnl.String())
		return nil
	})
}

func mustOpen(m *Manager, ctx context.Context, group *core.PositionGroup) []*core.DCAOrder {
	open, err := m.store.Orders().ListOpenByGroup(ctx, group.ID)
	if err != nil {
		m.logger.Warn("open-order lookup failed", "group_id", group.ID, "error", err)
		return nil
	}
	return open
}

// RecordTakeProfitFill marks the leg hit and persists the synthetic
// TP-fill record used by accounting.
func (m *Manager) RecordTakeProfitFill(ctx context.Context, group *core.PositionGroup, leg *core.DCAOrder, fill *core.Order) error {
	now := time.Now().UTC()
	pnl := fill.AvgPrice.Sub(leg.AvgFillPrice).Mul(fill.Filled).Sub(fill.Fee)

	record := &core.DCAOrder{
		ID:              uuid.New(),
		GroupID:         group.ID,
		PyramidID:       leg.PyramidID,
		LegIndex:        core.TPFillLegIndex,
		Side:            leg.Side.Opposite(),
		OrderType:       core.OrderTypeMarket,
		Price:           fill.AvgPrice,
		Quantity:        fill.Filled,
		ExchangeOrderID: fill.ID,
		Status:          core.OrderFilled,
		FilledQuantity:  fill.Filled,
		AvgFillPrice:    fill.AvgPrice,
		Fee:             fill.Fee,
		FeeCurrency:     fill.FeeCurrency,
		FilledAt:        &now,
	}
	leg.TPHit = true

	if err := m.store.WithTx(ctx, func(ctx context.Context) error {
		if err := m.store.Orders().Update(ctx, leg); err != nil {
			return err
		}
		return m.store.Orders().Create(ctx, record)
	}); err != nil {
		return err
	}

	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)
	group.TotalExitFeesUSD = group.TotalExitFeesUSD.Add(fill.Fee)
	return m.store.Groups().Update(ctx, group)
}

// SettleIfConsumed closes the group once take-profit or offset sells
// have drained it. A no-op until at least one sell record exists, so
// freshly opened groups with unfilled entries are never touched.
func (m *Manager) SettleIfConsumed(ctx context.Context, user *core.User, group *core.PositionGroup, currentPrice decimal.Decimal) error {
	orders, err := m.store.Orders().ListByGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	hasSell := false
	for _, o := range orders {
		if !o.IsEntryLeg() {
			hasSell = true
			break
		}
	}
	if !hasSell || !group.Status.IsOpen() {
		return nil
	}
	return m.settleAfterTP(ctx, user, group, currentPrice)
}

// settleAfterTP refreshes statistics and closes the group once nothing
// remains to sell and no entry orders are outstanding.
func (m *Manager) settleAfterTP(ctx context.Context, user *core.User, group *core.PositionGroup, currentPrice decimal.Decimal) error {
	if err := m.RefreshAggregates(ctx, group, currentPrice); err != nil {
		return err
	}
	if group.TotalFilledQty.IsPositive() {
		return nil
	}
	open, err := m.store.Orders().ListOpenByGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		if err := m.orders.CancelGroupOrders(ctx, user, group); err != nil {
			m.logger.Warn("residual order cleanup failed", "group_id", group.ID, "error", err)
			return nil
		}
	}
	return m.finalizeClosed(ctx, group, decimal.Zero, decimal.Zero, decimal.Zero, core.RiskActionTakeProfit, "all take-profit targets reached")
}
