package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"
)

// Gate is the pre-trade check invoked before queue promotion, plus the
// force-stop/force-start switches.
type Gate struct {
	store  core.Store
	logger core.ILogger

	mu     sync.RWMutex
	paused map[string]bool // user id -> promotion halted
}

// NewGate wires the pre-trade gate.
func NewGate(store core.Store, logger core.ILogger) *Gate {
	return &Gate{
		store:  store,
		logger: logger.WithField("component", "risk_gate"),
		paused: make(map[string]bool),
	}
}

// ForceStop halts queue promotion for the user and persists the switch.
func (g *Gate) ForceStop(ctx context.Context, user *core.User) error {
	g.mu.Lock()
	g.paused[user.ID.String()] = true
	g.mu.Unlock()

	cfg := user.Risk
	cfg.ForceStopped = true
	return g.store.Users().UpdateRiskConfig(ctx, user.ID, cfg)
}

// ForceStart resumes promotion.
func (g *Gate) ForceStart(ctx context.Context, user *core.User) error {
	g.mu.Lock()
	delete(g.paused, user.ID.String())
	g.mu.Unlock()

	cfg := user.Risk
	cfg.ForceStopped = false
	return g.store.Users().UpdateRiskConfig(ctx, user.ID, cfg)
}

// Paused reports whether promotion is halted for the user.
func (g *Gate) Paused(user *core.User) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused[user.ID.String()] || user.Risk.ForceStopped
}

// autoPause flips the in-memory switch when the daily loss cap fires.
func (g *Gate) autoPause(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused[userID] = true
}

// startOfDay returns midnight UTC of the current day.
func startOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Check runs the pre-trade gate for a queued signal.
func (g *Gate) Check(ctx context.Context, user *core.User, sig *core.QueuedSignal) error {
	if g.Paused(user) {
		return apperrors.ErrEnginePaused
	}

	if user.Risk.MaxTotalExposureUSD.IsPositive() {
		exposure, err := g.store.Groups().TotalOpenInvestedUSD(ctx, user.ID)
		if err != nil {
			return err
		}
		allocated := user.DCADefaults.TotalCapitalUSD
		if exposure.Add(allocated).GreaterThan(user.Risk.MaxTotalExposureUSD) {
			return fmt.Errorf("%w: %s + %s > %s", apperrors.ErrExposureExceeded,
				exposure.String(), allocated.String(), user.Risk.MaxTotalExposureUSD.String())
		}
	}

	if user.Risk.MaxOpenPositionsPerSymbol > 0 && !sig.IsPyramid {
		n, err := g.store.Groups().CountOpenBySymbolKey(ctx, user.ID, sig.Venue, sig.Symbol, sig.Timeframe)
		if err != nil {
			return err
		}
		if n >= user.Risk.MaxOpenPositionsPerSymbol {
			return fmt.Errorf("%w: %d open on %s", apperrors.ErrSymbolCapReached, n, sig.Symbol)
		}
	}

	if user.Risk.MaxRealizedLossUSD.IsPositive() {
		realized, err := g.store.Groups().SumRealizedPnLSince(ctx, user.ID, startOfDay(time.Now()))
		if err != nil {
			return err
		}
		if realized.IsNegative() && realized.Abs().GreaterThanOrEqual(user.Risk.MaxRealizedLossUSD) {
			g.autoPause(user.ID.String())
			g.logger.Warn("daily loss cap reached, promotion paused",
				"user_id", user.ID, "realized", realized.String())
			return fmt.Errorf("%w: realized %s today", apperrors.ErrDailyLossReached, realized.String())
		}
	}
	return nil
}
