package signal

import (
	"context"
	"fmt"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/trading/order"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
)

const webhookLockTTL = 10 * time.Second

// Outcome tells the HTTP layer what happened to an accepted intent.
type Outcome string

const (
	OutcomeQueued       Outcome = "queued"
	OutcomeReplaced     Outcome = "replaced"
	OutcomeExitComplete Outcome = "exit_complete"
)

// Router turns validated intents into queued signals or exits.
type Router struct {
	store     core.Store
	coord     core.ICoordinator
	positions *position.Manager
	logger    core.ILogger
	metrics   *telemetry.Metrics
}

// NewRouter wires the router.
func NewRouter(store core.Store, coord core.ICoordinator, positions *position.Manager, logger core.ILogger, metrics *telemetry.Metrics) *Router {
	return &Router{
		store:     store,
		coord:     coord,
		positions: positions,
		logger:    logger.WithField("component", "signal_router"),
		metrics:   metrics,
	}
}

func webhookLockKey(userID uuid.UUID, symbol string, timeframe int, side core.Side) string {
	return fmt.Sprintf("webhook:%s:%s:%d:%s", userID, symbol, timeframe, side)
}

// Route dispatches a validated intent. Buys enqueue (or replace the
// queued signal on the same key); exits close synchronously.
func (r *Router) Route(ctx context.Context, user *core.User, intent *Intent) (Outcome, error) {
	r.metrics.SignalsReceived.WithLabelValues(intent.Action).Inc()

	if intent.IsExit {
		return r.routeExit(ctx, user, intent)
	}
	return r.routeBuy(ctx, user, intent)
}

func (r *Router) routeBuy(ctx context.Context, user *core.User, intent *Intent) (Outcome, error) {
	side := core.SideBuy
	lockKey := webhookLockKey(user.ID, intent.Symbol, intent.Timeframe, side)
	token := uuid.NewString()

	ok, err := r.coord.AcquireLock(ctx, lockKey, token, webhookLockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", apperrors.ErrLockContended, lockKey)
	}
	defer func() {
		if _, err := r.coord.ReleaseLock(ctx, lockKey, token); err != nil {
			r.logger.Warn("webhook lock release failed", "resource", lockKey, "error", err)
		}
	}()

	existing, err := r.store.Groups().FindOpenByKey(ctx, user.ID, intent.Venue, intent.Symbol, intent.Timeframe, side)
	if err != nil {
		return "", err
	}
	isPyramid := existing != nil

	// Latest-wins replacement on the dedup composite.
	queued, err := r.store.Signals().FindQueuedByKey(ctx, user.ID, intent.Venue, intent.Symbol, intent.Timeframe, side)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if queued != nil {
		queued.EntryPrice = intent.EntryPrice
		queued.OrderSizeUSD = intent.OrderSizeUSD
		queued.RawPayload = intent.Raw
		queued.QueuedAt = now
		queued.ReplacementCount++
		queued.IsPyramid = isPyramid
		if err := r.store.Signals().Update(ctx, queued); err != nil {
			return "", err
		}
		r.metrics.SignalsReplaced.Inc()
		r.logger.Info("queued signal replaced",
			"signal_id", queued.ID, "symbol", intent.Symbol, "replacement_count", queued.ReplacementCount)
		return OutcomeReplaced, nil
	}

	sig := &core.QueuedSignal{
		ID:           uuid.New(),
		UserID:       user.ID,
		Venue:        intent.Venue,
		Symbol:       intent.Symbol,
		Timeframe:    intent.Timeframe,
		Side:         side,
		EntryPrice:   intent.EntryPrice,
		OrderSizeUSD: intent.OrderSizeUSD,
		RawPayload:   intent.Raw,
		QueuedAt:     now,
		IsPyramid:    isPyramid,
		Status:       core.SignalQueued,
	}
	if err := r.store.Signals().Create(ctx, sig); err != nil {
		return "", err
	}
	r.logger.Info("signal queued",
		"signal_id", sig.ID, "symbol", intent.Symbol, "pyramid", isPyramid)
	return OutcomeQueued, nil
}

func (r *Router) routeExit(ctx context.Context, user *core.User, intent *Intent) (Outcome, error) {
	group, err := r.store.Groups().FindOpenByKey(ctx, user.ID, intent.Venue, intent.Symbol, intent.Timeframe, core.SideBuy)
	if err != nil {
		return "", err
	}
	if group == nil {
		// Nothing to close; drop any queued intent on the key instead.
		queued, err := r.store.Signals().FindQueuedByKey(ctx, user.ID, intent.Venue, intent.Symbol, intent.Timeframe, core.SideBuy)
		if err != nil {
			return "", err
		}
		if queued != nil {
			queued.Status = core.SignalCancelled
			queued.FailureReason = "exit received before promotion"
			if err := r.store.Signals().Update(ctx, queued); err != nil {
				return "", err
			}
			r.logger.Info("queued signal cancelled by exit", "signal_id", queued.ID)
			return OutcomeExitComplete, nil
		}
		return "", fmt.Errorf("%w: no open position for %s tf=%d", apperrors.ErrNotFound, intent.Symbol, intent.Timeframe)
	}

	err = r.positions.ExitClose(ctx, user, group.ID,
		intent.EntryPrice, intent.MaxSlippagePercent, order.SlippageWarn,
		core.RiskActionExitSignal, "exit signal "+intent.TradeID)
	if err != nil {
		return "", err
	}
	return OutcomeExitComplete, nil
}
