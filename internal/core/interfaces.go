package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the uniform order submission contract.
type PlaceOrderRequest struct {
	Symbol   string
	Type     OrderType
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for market orders
}

// IExchange is the uniform interface to a remote venue. Every outbound
// call is wrapped by the gateway's per-venue circuit breaker.
type IExchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchBalance(ctx context.Context, currency string) (*Balance, error)
	GetPrecisionRules(ctx context.Context) (map[string]PrecisionRules, error)
	Close() error
}

// ICoordinator is the cache/coordination layer: a key-value store with
// TTL plus tokenized distributed locks. Locks are bounded by their TTL
// and only the holder token may release or extend them.
type ICoordinator interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, holderToken string) (bool, error)
	ExtendLock(ctx context.Context, resource, holderToken string, ttl time.Duration) (bool, error)
	Healthy(ctx context.Context) error
}

// UserRepository reads user configuration.
type UserRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	List(ctx context.Context) ([]*User, error)
	UpdateRiskConfig(ctx context.Context, id uuid.UUID, cfg RiskConfig) error
}

// GroupRepository persists PositionGroups.
type GroupRepository interface {
	Create(ctx context.Context, g *PositionGroup) error
	Get(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	// GetForUpdate row-locks the group inside the ambient transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	Update(ctx context.Context, g *PositionGroup) error
	// FindOpenByKey returns the open group on the dedup composite, if any.
	FindOpenByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side Side) (*PositionGroup, error)
	ListByStatus(ctx context.Context, statuses ...GroupStatus) ([]*PositionGroup, error)
	ListByUserAndStatus(ctx context.Context, userID uuid.UUID, statuses ...GroupStatus) ([]*PositionGroup, error)
	CountOpenByUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountOpenBySymbolKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int) (int, error)
	TotalOpenInvestedUSD(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	SumRealizedPnLSince(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)
	// BumpPyramid atomically increments pyramid_count and total_dca_legs.
	BumpPyramid(ctx context.Context, id uuid.UUID, addLegs int) error
}

// PyramidRepository persists Pyramids.
type PyramidRepository interface {
	Create(ctx context.Context, p *Pyramid) error
	Get(ctx context.Context, id uuid.UUID) (*Pyramid, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*Pyramid, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status PyramidStatus) error
}

// OrderRepository persists DCAOrders.
type OrderRepository interface {
	Create(ctx context.Context, o *DCAOrder) error
	CreateBatch(ctx context.Context, orders []*DCAOrder) error
	Get(ctx context.Context, id uuid.UUID) (*DCAOrder, error)
	Update(ctx context.Context, o *DCAOrder) error
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	// ListEntryLegs returns non-synthetic legs for the group.
	ListEntryLegs(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	// ListForReconcile returns, across all users, orders in
	// open/partially_filled/trigger_pending plus filled entry legs whose
	// TP state is unresolved.
	ListForReconcile(ctx context.Context) ([]*DCAOrder, error)
	ListOpenByGroup(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
}

// SignalRepository persists QueuedSignals.
type SignalRepository interface {
	Create(ctx context.Context, s *QueuedSignal) error
	Update(ctx context.Context, s *QueuedSignal) error
	Get(ctx context.Context, id uuid.UUID) (*QueuedSignal, error)
	// FindQueuedByKey returns the queued signal on the dedup composite.
	FindQueuedByKey(ctx context.Context, userID uuid.UUID, venue, symbol string, timeframe int, side Side) (*QueuedSignal, error)
	ListQueued(ctx context.Context) ([]*QueuedSignal, error)
	ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*QueuedSignal, error)
	CountQueued(ctx context.Context) (int, error)
}

// RiskActionRepository persists the immutable audit trail.
type RiskActionRepository interface {
	Create(ctx context.Context, a *RiskAction) error
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*RiskAction, error)
}

// Store bundles the repositories with transaction control. Fn runs with
// a transaction bound to the context; repositories called with that
// context join it. Rollback on error, single retry on deadlock.
type Store interface {
	Users() UserRepository
	Groups() GroupRepository
	Pyramids() PyramidRepository
	Orders() OrderRepository
	Signals() SignalRepository
	RiskActions() RiskActionRepository
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Healthy(ctx context.Context) error
}

// IExchangeGateway resolves breaker-wrapped connectors per user+venue.
type IExchangeGateway interface {
	Connector(ctx context.Context, user *User, venue string) (IExchange, error)
	BreakerStates() map[string]string
	CloseAll()
}

// IPoolManager globally bounds the number of live position groups.
type IPoolManager interface {
	RequestSlot(userID uuid.UUID) bool
	ReleaseSlot(userID uuid.UUID)
	InUse(userID uuid.UUID) int
	Reconcile(ctx context.Context) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
