// Package order places entry ladders, take-profit orders, and market
// closes on the venue, and owns the replay-safe TP dedup check.
package order

import (
	"context"
	"fmt"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/grid"
	"spot_trader/pkg/telemetry"
	"spot_trader/pkg/tradingutils"

	apperrors "spot_trader/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SlippageAction selects how a close reacts to price drift.
type SlippageAction string

const (
	SlippageWarn   SlippageAction = "warn"
	SlippageReject SlippageAction = "reject"
)

// Service submits and cancels venue orders on behalf of the managers.
type Service struct {
	store   core.Store
	gateway core.IExchangeGateway
	logger  core.ILogger
	metrics *telemetry.Metrics

	submitPolicy retrypolicy.RetryPolicy[*core.Order]
}

// NewService wires the order service. Venue submits get a single retry
// on transient errors; permanent errors surface immediately.
func NewService(store core.Store, gateway core.IExchangeGateway, logger core.ILogger, metrics *telemetry.Metrics) *Service {
	policy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithDelay(500 * time.Millisecond).
		WithMaxRetries(1).
		Build()

	return &Service{
		store:        store,
		gateway:      gateway,
		logger:       logger.WithField("component", "order_service"),
		metrics:      metrics,
		submitPolicy: policy,
	}
}

func (s *Service) submit(ctx context.Context, venue core.IExchange, req core.PlaceOrderRequest) (*core.Order, error) {
	return failsafe.With[*core.Order](s.submitPolicy).
		WithContext(ctx).
		Get(func() (*core.Order, error) {
			return venue.PlaceOrder(ctx, req)
		})
}

// PlaceEntryLadder persists and submits one DCAOrder per calculated leg.
// Orders that fail submission permanently are recorded as failed; orders
// that fail transiently stay pending for the reconciler.
func (s *Service) PlaceEntryLadder(ctx context.Context, user *core.User, group *core.PositionGroup, pyramid *core.Pyramid, legs []grid.Leg) ([]*core.DCAOrder, error) {
	venue, err := s.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return nil, err
	}

	orders := make([]*core.DCAOrder, 0, len(legs))
	for _, leg := range legs {
		o := &core.DCAOrder{
			ID:            uuid.New(),
			GroupID:       group.ID,
			PyramidID:     pyramid.ID,
			LegIndex:      leg.LegIndex,
			Side:          group.Side,
			OrderType:     pyramid.Config.OrderType,
			Price:         leg.Price,
			Quantity:      leg.Quantity,
			GapPercent:    leg.GapPercent,
			WeightPercent: leg.WeightPercent,
			TPPercent:     leg.TPPercent,
			TPPrice:       leg.TPPrice,
			Status:        core.OrderPending,
		}
		if err := s.store.Orders().Create(ctx, o); err != nil {
			return orders, err
		}
		orders = append(orders, o)

		placed, err := s.submit(ctx, venue, core.PlaceOrderRequest{
			Symbol:   group.Symbol,
			Type:     o.OrderType,
			Side:     o.Side,
			Quantity: o.Quantity,
			Price:    o.Price,
		})
		if err != nil {
			class := "transient"
			if apperrors.IsPermanent(err) {
				class = "permanent"
				o.Status = core.OrderFailed
				if uerr := s.store.Orders().Update(ctx, o); uerr != nil {
					s.logger.Error("failed to record failed leg", "order_id", o.ID, "error", uerr)
				}
			}
			s.metrics.OrderFailures.WithLabelValues(group.Venue, class).Inc()
			s.logger.Error("entry leg submission failed",
				"group_id", group.ID, "leg_index", o.LegIndex, "error", err)
			continue
		}

		now := time.Now().UTC()
		o.ExchangeOrderID = placed.ID
		o.SubmittedAt = &now
		ApplyVenueState(o, placed)
		if err := s.store.Orders().Update(ctx, o); err != nil {
			return orders, err
		}
		s.metrics.OrdersPlaced.WithLabelValues(group.Venue, string(o.OrderType)).Inc()
	}
	return orders, nil
}

// ApplyVenueState maps the venue's view onto the local order.
func ApplyVenueState(o *core.DCAOrder, v *core.Order) {
	switch v.Status {
	case core.VenueOrderClosed:
		o.Status = core.OrderFilled
		o.FilledQuantity = v.Filled
		o.AvgFillPrice = v.AvgPrice
		o.Fee = v.Fee
		o.FeeCurrency = v.FeeCurrency
		now := time.Now().UTC()
		o.FilledAt = &now
	case core.VenueOrderCanceled, core.VenueOrderExpired:
		o.Status = core.OrderCancelled
	case core.VenueOrderRejected:
		o.Status = core.OrderFailed
	default:
		if v.Filled.IsPositive() {
			o.Status = core.OrderPartiallyFilled
			o.FilledQuantity = v.Filled
			o.AvgFillPrice = v.AvgPrice
		} else {
			o.Status = core.OrderOpen
		}
	}
}

// PlaceTakeProfit places the TP for a filled entry leg at-most-once.
// Before submitting it scans the venue's open orders for an equivalent
// TP left behind by a rolled-back transaction and adopts it instead.
func (s *Service) PlaceTakeProfit(ctx context.Context, user *core.User, group *core.PositionGroup, leg *core.DCAOrder, precision core.PrecisionRules) error {
	if leg.TPOrderID != "" {
		return nil
	}
	venue, err := s.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return err
	}

	// Adjusted TP compensates for fill slippage on the entry.
	tpPrice := tradingutils.RoundToTick(
		tradingutils.PercentOf(leg.AvgFillPrice, leg.TPPercent), precision.TickSize)
	if tpPrice.IsZero() {
		tpPrice = leg.TPPrice
	}
	tpSide := leg.Side.Opposite()

	if existing, err := s.findExistingTP(ctx, venue, group.Symbol, tpSide, tpPrice, leg.FilledQuantity, precision); err == nil && existing != "" {
		leg.TPOrderID = existing
		s.metrics.TPDeduplicated.Inc()
		s.logger.Warn("adopted existing take-profit order",
			"group_id", group.ID, "leg_index", leg.LegIndex, "tp_order_id", existing)
		return s.store.Orders().Update(ctx, leg)
	} else if err != nil {
		return err
	}

	placed, err := s.submit(ctx, venue, core.PlaceOrderRequest{
		Symbol:   group.Symbol,
		Type:     core.OrderTypeLimit,
		Side:     tpSide,
		Quantity: leg.FilledQuantity,
		Price:    tpPrice,
	})
	if err != nil {
		return fmt.Errorf("take-profit submission failed: %w", err)
	}
	leg.TPOrderID = placed.ID
	leg.TPPrice = tpPrice
	s.metrics.TPPlaced.Inc()
	return s.store.Orders().Update(ctx, leg)
}

// findExistingTP returns the id of the single open order matching the
// intended TP, or "" when zero or multiple candidates exist.
func (s *Service) findExistingTP(ctx context.Context, venue core.IExchange, symbol string, side core.Side, tpPrice, qty decimal.Decimal, precision core.PrecisionRules) (string, error) {
	open, err := venue.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("open-order scan failed: %w", err)
	}

	priceTolerance := decimal.Max(precision.TickSize, tpPrice.Mul(decimal.NewFromFloat(0.001)))
	qtyTolerance := qty.Mul(decimal.NewFromFloat(0.005))

	var match string
	matches := 0
	for _, o := range open {
		if o.Side != side {
			continue
		}
		if o.Price.Sub(tpPrice).Abs().GreaterThan(priceTolerance) {
			continue
		}
		if o.Quantity.Sub(qty).Abs().GreaterThan(qtyTolerance) {
			continue
		}
		match = o.ID
		matches++
	}
	if matches == 1 {
		return match, nil
	}
	return "", nil
}

// CancelGroupOrders best-effort cancels every open order of the group.
// A missing order on the venue is treated as already resolved.
func (s *Service) CancelGroupOrders(ctx context.Context, user *core.User, group *core.PositionGroup) error {
	venue, err := s.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return err
	}
	orders, err := s.store.Orders().ListByGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		for _, venueID := range []string{o.ExchangeOrderID, o.TPOrderID} {
			if venueID == "" {
				continue
			}
			if o.Status.IsTerminal() && venueID == o.ExchangeOrderID {
				continue
			}
			if err := venue.CancelOrder(ctx, venueID, group.Symbol); err != nil &&
				!apperrors.IsPermanent(err) {
				s.logger.Warn("cancel failed, reconciler will retry",
					"group_id", group.ID, "venue_order_id", venueID, "error", err)
			}
		}
		if !o.Status.IsTerminal() && o.Status != core.OrderPending {
			o.Status = core.OrderCancelled
			if err := s.store.Orders().Update(ctx, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseResult is the outcome of a market close.
type CloseResult struct {
	Order           *core.Order
	SlippagePercent decimal.Decimal
}

// ClosePositionMarket submits a market order for qty on the opposite
// side, bounded by the slippage policy.
func (s *Service) ClosePositionMarket(ctx context.Context, user *core.User, group *core.PositionGroup, qty, expectedPrice, maxSlippagePercent decimal.Decimal, action SlippageAction) (*CloseResult, error) {
	venue, err := s.gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		return nil, err
	}

	current, err := venue.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		return nil, err
	}
	slippage := tradingutils.AbsSlippagePercent(current, expectedPrice)
	if slippage.GreaterThan(maxSlippagePercent) {
		if action == SlippageReject {
			return nil, fmt.Errorf("%w: %s%% against limit %s%%",
				apperrors.ErrSlippageExceeded, slippage.StringFixed(3), maxSlippagePercent.StringFixed(3))
		}
		s.logger.Warn("closing through slippage bound",
			"group_id", group.ID, "slippage_percent", slippage.String(), "limit", maxSlippagePercent.String())
	}

	placed, err := s.submit(ctx, venue, core.PlaceOrderRequest{
		Symbol:   group.Symbol,
		Type:     core.OrderTypeMarket,
		Side:     group.Side.Opposite(),
		Quantity: qty,
	})
	if err != nil {
		return nil, err
	}
	return &CloseResult{Order: placed, SlippagePercent: slippage}, nil
}
