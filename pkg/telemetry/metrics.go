// Package telemetry exposes Prometheus metrics for the trading engine.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every engine-level collector. A single instance is
// created at bootstrap and shared via GetGlobalMetrics.
type Metrics struct {
	SignalsReceived   *prometheus.CounterVec // action
	SignalsRejected   *prometheus.CounterVec // reason
	SignalsReplaced   prometheus.Counter
	QueueDepth        prometheus.Gauge
	Promotions        *prometheus.CounterVec // outcome
	OrdersPlaced      *prometheus.CounterVec // venue, kind
	OrderFailures     *prometheus.CounterVec // venue, class
	TPPlaced          prometheus.Counter
	TPDeduplicated    prometheus.Counter
	GroupsActive      prometheus.Gauge
	GroupsClosed      *prometheus.CounterVec // reason
	RiskActions       *prometheus.CounterVec // action_type
	RiskTimerEvents   *prometheus.CounterVec // event
	CircuitState      *prometheus.GaugeVec   // venue (0 closed, 1 half-open, 2 open)
	LeaderGauge       prometheus.Gauge
	LoopDuration      *prometheus.HistogramVec // loop
	WatchdogRestarts  *prometheus.CounterVec   // task
	CoordinatorErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_signals_received_total",
			Help: "Webhook signals accepted for processing",
		}, []string{"action"}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_signals_rejected_total",
			Help: "Webhook signals rejected before enqueue",
		}, []string{"reason"}),
		SignalsReplaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "spot_trader_signals_replaced_total",
			Help: "Queued signals replaced in place (latest-wins)",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spot_trader_queue_depth",
			Help: "Signals currently queued",
		}),
		Promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_promotions_total",
			Help: "Queue promotion attempts by outcome",
		}, []string{"outcome"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_orders_placed_total",
			Help: "Orders submitted to venues",
		}, []string{"venue", "kind"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_order_failures_total",
			Help: "Order submissions that failed",
		}, []string{"venue", "class"}),
		TPPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "spot_trader_tp_orders_placed_total",
			Help: "Take-profit orders placed",
		}),
		TPDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "spot_trader_tp_orders_deduplicated_total",
			Help: "Take-profit placements adopted from an existing venue order",
		}),
		GroupsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spot_trader_position_groups_active",
			Help: "Position groups in live/partially_filled/active",
		}),
		GroupsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_position_groups_closed_total",
			Help: "Position groups closed by reason",
		}, []string{"reason"}),
		RiskActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_risk_actions_total",
			Help: "Risk actions recorded",
		}, []string{"action_type"}),
		RiskTimerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_risk_timer_events_total",
			Help: "Risk timer transitions",
		}, []string{"event"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_trader_circuit_state",
			Help: "Per-venue circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"venue"}),
		LeaderGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spot_trader_is_leader",
			Help: "1 when this replica holds the background task leadership",
		}),
		LoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_trader_loop_duration_seconds",
			Help:    "Background loop cycle duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		WatchdogRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trader_watchdog_restarts_total",
			Help: "Background task restarts triggered by the watchdog",
		}, []string{"task"}),
		CoordinatorErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "spot_trader_coordinator_errors_total",
			Help: "Coordination layer failures (falls back to local locks)",
		}),
	}
}

var (
	globalMetrics *Metrics
	globalOnce    sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance, registering
// collectors on the default registry on first use.
func GetGlobalMetrics() *Metrics {
	globalOnce.Do(func() {
		globalMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewTestMetrics builds an isolated metrics set for tests.
func NewTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}
