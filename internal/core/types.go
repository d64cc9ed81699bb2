// Package core defines the domain model and the capability interfaces
// shared across the trading engine.
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order or position. The engine is spot-long-only; SideSell
// appears only on exit and take-profit orders.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the matching side for an exit order.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType of a venue order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TPMode selects the take-profit policy of a position group.
type TPMode string

const (
	TPModePerLeg    TPMode = "per_leg"
	TPModeAggregate TPMode = "aggregate"
	TPModeHybrid    TPMode = "hybrid"
)

// GroupStatus is the lifecycle state of a PositionGroup.
type GroupStatus string

const (
	GroupWaiting         GroupStatus = "waiting"
	GroupLive            GroupStatus = "live"
	GroupPartiallyFilled GroupStatus = "partially_filled"
	GroupActive          GroupStatus = "active"
	GroupClosing         GroupStatus = "closing"
	GroupClosed          GroupStatus = "closed"
	GroupFailed          GroupStatus = "failed"
)

// IsOpen reports whether the group still owns outstanding venue orders.
func (s GroupStatus) IsOpen() bool {
	switch s {
	case GroupLive, GroupPartiallyFilled, GroupActive:
		return true
	}
	return false
}

// PyramidStatus is the lifecycle state of one entry wave.
type PyramidStatus string

const (
	PyramidPending         PyramidStatus = "pending"
	PyramidPartiallyFilled PyramidStatus = "partially_filled"
	PyramidFilled          PyramidStatus = "filled"
	PyramidClosed          PyramidStatus = "closed"
	PyramidCancelled       PyramidStatus = "cancelled"
)

// OrderStatus is the local lifecycle state of a DCAOrder.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderTriggerPending  OrderStatus = "trigger_pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
)

// IsTerminal reports whether an order may no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// SignalStatus is the lifecycle state of a QueuedSignal.
type SignalStatus string

const (
	SignalQueued   SignalStatus = "queued"
	SignalPromoted SignalStatus = "promoted"
	SignalCancelled SignalStatus = "cancelled"
	SignalFailed    SignalStatus = "failed"
)

// TPFillLegIndex marks synthetic DCAOrders that carry a take-profit fill
// record. They are never entries and are excluded from entry queries.
const TPFillLegIndex = 999

// DCALevel is one configured ladder layer.
type DCALevel struct {
	GapPercent    decimal.Decimal `json:"gap_percent" yaml:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent" yaml:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent" yaml:"tp_percent"`
}

// DCAConfig is the per-pyramid ladder configuration snapshot.
type DCAConfig struct {
	Levels                []DCALevel         `json:"levels" yaml:"levels"`
	PyramidSpecificLevels map[int][]DCALevel `json:"pyramid_specific_levels,omitempty" yaml:"pyramid_specific_levels,omitempty"`
	TotalCapitalUSD       decimal.Decimal    `json:"total_capital_usd" yaml:"total_capital_usd"`
	OrderType             OrderType          `json:"order_type" yaml:"order_type"`
	MaxPyramids           int                `json:"max_pyramids" yaml:"max_pyramids"`
	TPMode                TPMode             `json:"tp_mode" yaml:"tp_mode"`
	TPAggregatePercent    decimal.Decimal    `json:"tp_aggregate_percent" yaml:"tp_aggregate_percent"`
}

// LevelsFor returns the layer list used for the given pyramid index.
func (c DCAConfig) LevelsFor(pyramidIndex int) []DCALevel {
	if levels, ok := c.PyramidSpecificLevels[pyramidIndex]; ok && len(levels) > 0 {
		return levels
	}
	return c.Levels
}

// PrecisionRules describe a symbol's venue rounding constraints.
type PrecisionRules struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// VenueCredential holds one venue's encrypted API credential blob.
type VenueCredential struct {
	Venue         string `json:"venue"`
	EncryptedBlob string `json:"encrypted_blob"`
	Testnet       bool   `json:"testnet"`
	UseMargin     bool   `json:"use_margin"`
}

// RiskConfig is the per-user Risk Engine configuration.
type RiskConfig struct {
	Enabled                  bool            `json:"enabled"`
	LossThresholdPercent     decimal.Decimal `json:"loss_threshold_percent"`
	PostPyramidsWaitMinutes  int             `json:"post_pyramids_wait_minutes"`
	RequiredPyramidsForTimer int             `json:"required_pyramids_for_timer"`
	MaxWinnersToCombine      int             `json:"max_winners_to_combine"`
	MaxTotalExposureUSD      decimal.Decimal `json:"max_total_exposure_usd"`
	MaxOpenPositionsPerSymbol int            `json:"max_open_positions_per_symbol"`
	MaxRealizedLossUSD       decimal.Decimal `json:"max_realized_loss_usd"`
	ForceStopped             bool            `json:"force_stopped"`
}

// User is the configuration holder everything else hangs off.
type User struct {
	ID            uuid.UUID
	WebhookSecret string
	Credentials   map[string]VenueCredential
	Risk          RiskConfig
	DefaultVenue  string
	DCADefaults   DCAConfig
	CreatedAt     time.Time
}

// PositionGroup is the unit the engine plans and closes against.
type PositionGroup struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Venue     string
	Symbol    string
	Timeframe int
	Side      Side

	BaseEntryPrice     decimal.Decimal
	WeightedAvgEntry   decimal.Decimal
	TotalInvestedUSD   decimal.Decimal
	TotalFilledQty     decimal.Decimal
	TotalDCALegs       int
	FilledDCALegs      int
	PyramidCount       int
	MaxPyramids        int
	TPMode             TPMode
	TPAggregatePercent decimal.Decimal

	RealizedPnLUSD       decimal.Decimal
	UnrealizedPnLUSD     decimal.Decimal
	UnrealizedPnLPercent decimal.Decimal
	TotalEntryFeesUSD    decimal.Decimal
	TotalExitFeesUSD     decimal.Decimal

	RiskBlocked      bool
	RiskSkipOnce     bool
	RiskTimerStart   *time.Time
	RiskTimerExpires *time.Time
	RiskEligible     bool
	ClosingStartedAt *time.Time

	ReplacementCount int

	Status    GroupStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Pyramid is one entry wave within a group. Index 0 is the initial entry.
type Pyramid struct {
	ID             uuid.UUID
	GroupID        uuid.UUID
	PyramidIndex   int
	EntryPrice     decimal.Decimal
	EntryTimestamp time.Time
	Config         DCAConfig
	Status         PyramidStatus
}

// DCAOrder is a single leg of a pyramid, or a synthetic TP-fill record
// when LegIndex == TPFillLegIndex.
type DCAOrder struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	PyramidID uuid.UUID
	LegIndex  int

	Side          Side
	OrderType     OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal

	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	SubmittedAt     *time.Time
	FilledAt        *time.Time

	TPOrderID string
	TPHit     bool
}

// IsEntryLeg reports whether the order is a real ladder entry.
func (o *DCAOrder) IsEntryLeg() bool {
	return o.LegIndex != TPFillLegIndex
}

// QueuedSignal is a pending intent awaiting a pool slot.
type QueuedSignal struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Venue     string
	Symbol    string
	Timeframe int
	Side      Side

	EntryPrice         decimal.Decimal
	OrderSizeUSD       decimal.Decimal
	RawPayload         []byte
	QueuedAt           time.Time
	ReplacementCount   int
	CurrentLossPercent decimal.Decimal
	IsPyramid          bool
	Status             SignalStatus
	FailureReason      string
	PriorityScore      decimal.Decimal
}

// RiskAction is the immutable audit record of an engine- or
// user-initiated close.
type RiskAction struct {
	ID              uuid.UUID
	GroupID         uuid.UUID
	ActionType      string
	ExitPrice       decimal.Decimal
	EntryPrice      decimal.Decimal
	PnLPercent      decimal.Decimal
	RealizedPnLUSD  decimal.Decimal
	QuantityClosed  decimal.Decimal
	DurationSeconds int64
	Notes           string
	Timestamp       time.Time
}

// Risk action types.
const (
	RiskActionOffsetLoss   = "offset_loss"
	RiskActionOffsetWinner = "offset_winner"
	RiskActionExitSignal   = "exit_signal"
	RiskActionManualClose  = "manual_close"
	RiskActionTakeProfit   = "take_profit"
)

// Order is the engine's view of a venue order.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Type        OrderType
	Status      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Filled      decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

// Venue order status strings as exposed by the gateway.
const (
	VenueOrderOpen     = "open"
	VenueOrderClosed   = "closed"
	VenueOrderCanceled = "canceled"
	VenueOrderExpired  = "expired"
	VenueOrderRejected = "rejected"
)

// Balance is a venue account snapshot for one currency.
type Balance struct {
	Total decimal.Decimal
	Free  decimal.Decimal
	Used  decimal.Decimal
}

// TaskHealth is the watchdog's verdict on a background task.
type TaskHealth string

const (
	TaskHealthy  TaskHealth = "healthy"
	TaskDegraded TaskHealth = "degraded"
	TaskStalled  TaskHealth = "stalled"
	TaskCrashed  TaskHealth = "crashed"
	TaskStopped  TaskHealth = "stopped"
	TaskUnknown  TaskHealth = "unknown"
)
