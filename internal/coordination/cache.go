package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"spot_trader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cache TTLs used across the engine.
const (
	TickerTTL    = 1 * time.Minute
	BalanceTTL   = 5 * time.Minute
	DashboardTTL = 1 * time.Minute
	HeartbeatTTL = 5 * time.Minute
)

// Cache provides the typed caching helpers layered on the coordinator.
type Cache struct {
	coord core.ICoordinator
}

// NewCache wraps a coordinator.
func NewCache(coord core.ICoordinator) *Cache {
	return &Cache{coord: coord}
}

func (c *Cache) GetTickers(ctx context.Context, venue string) (map[string]decimal.Decimal, bool) {
	raw, ok, err := c.coord.Get(ctx, "tickers:"+venue)
	if err != nil || !ok {
		return nil, false
	}
	var tickers map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &tickers); err != nil {
		return nil, false
	}
	return tickers, true
}

func (c *Cache) SetTickers(ctx context.Context, venue string, tickers map[string]decimal.Decimal) error {
	data, err := json.Marshal(tickers)
	if err != nil {
		return err
	}
	return c.coord.Set(ctx, "tickers:"+venue, string(data), TickerTTL)
}

func (c *Cache) GetBalance(ctx context.Context, userID uuid.UUID, venue string) (*core.Balance, bool) {
	raw, ok, err := c.coord.Get(ctx, fmt.Sprintf("balance:%s:%s", userID, venue))
	if err != nil || !ok {
		return nil, false
	}
	var bal core.Balance
	if err := json.Unmarshal([]byte(raw), &bal); err != nil {
		return nil, false
	}
	return &bal, true
}

func (c *Cache) SetBalance(ctx context.Context, userID uuid.UUID, venue string, bal *core.Balance) error {
	data, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	return c.coord.Set(ctx, fmt.Sprintf("balance:%s:%s", userID, venue), string(data), BalanceTTL)
}

func (c *Cache) GetDashboard(ctx context.Context, userID uuid.UUID, view string) (string, bool) {
	raw, ok, err := c.coord.Get(ctx, fmt.Sprintf("dashboard:%s:%s", userID, view))
	if err != nil || !ok {
		return "", false
	}
	return raw, true
}

func (c *Cache) SetDashboard(ctx context.Context, userID uuid.UUID, view, payload string) error {
	return c.coord.Set(ctx, fmt.Sprintf("dashboard:%s:%s", userID, view), payload, DashboardTTL)
}

// Heartbeat records the last-beat timestamp of a background service.
func (c *Cache) Heartbeat(ctx context.Context, service string) error {
	return c.coord.Set(ctx, "health:"+service, time.Now().UTC().Format(time.RFC3339Nano), HeartbeatTTL)
}

// LastHeartbeat returns the service's last beat, or zero when unknown.
func (c *Cache) LastHeartbeat(ctx context.Context, service string) (time.Time, bool) {
	raw, ok, err := c.coord.Get(ctx, "health:"+service)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
