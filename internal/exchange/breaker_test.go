package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"spot_trader/internal/core"
	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker("testvenue", DefaultBreakerConfig(), telemetry.NewTestMetrics())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cb.SetClock(func() time.Time { return now })
	return cb, &now
}

func tripBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.OnFailure()
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(t)

	tripBreaker(cb, 4)
	assert.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Allow())

	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "testvenue", openErr.Venue)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(t)

	tripBreaker(cb, 4)
	cb.OnSuccess()
	tripBreaker(cb, 4)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, now := testBreaker(t)

	tripBreaker(cb, 5)
	require.Equal(t, CircuitOpen, cb.State())

	// Probe before the reset timeout stays rejected.
	*now = now.Add(30 * time.Second)
	require.Error(t, cb.Allow())

	// After the timeout the next admission moves to half_open.
	*now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.OnSuccess()
	require.NoError(t, cb.Allow())
	cb.OnSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker(t)

	tripBreaker(cb, 5)
	*now = now.Add(61 * time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	// Fresh open window starts at the new failure time.
	err := cb.Allow()
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 60*time.Second, openErr.RetryAfter)
}

func TestBreakerHalfOpenAdmissionCap(t *testing.T) {
	cb, now := testBreaker(t)

	tripBreaker(cb, 5)
	*now = now.Add(61 * time.Second)

	// The transition call counts as the first probe.
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), apperrors.ErrCircuitOpen)
}

func TestWrappedExchangeFeedsBreaker(t *testing.T) {
	mock := NewMockExchange("mock")
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	cb := NewCircuitBreaker("mock", DefaultBreakerConfig(), telemetry.NewTestMetrics())
	wrapped := WrapWithBreaker(mock, cb)

	mock.InjectError(apperrors.ErrNetwork, 5)
	for i := 0; i < 5; i++ {
		_, err := wrapped.PlaceOrder(context.Background(), core.PlaceOrderRequest{
			Symbol:   "BTCUSDT",
			Side:     core.SideBuy,
			Type:     core.OrderTypeMarket,
			Quantity: decimal.NewFromInt(1),
		})
		require.Error(t, err)
		require.False(t, errors.Is(err, apperrors.ErrCircuitOpen))
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Fail-fast without touching the venue.
	_, err := wrapped.GetCurrentPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}

func TestWrappedExchangeIgnoresBusinessErrors(t *testing.T) {
	mock := NewMockExchange("mock")
	mock.SetPrice("BTCUSDT", decimal.NewFromInt(50000))

	cb := NewCircuitBreaker("mock", DefaultBreakerConfig(), telemetry.NewTestMetrics())
	wrapped := WrapWithBreaker(mock, cb)

	// A reconciler polling vanished orders gets order-not-found on every
	// call. The venue is answering, so the breaker must stay closed.
	for i := 0; i < 10; i++ {
		mock.InjectError(apperrors.ErrOrderNotFound, 1)
		_, err := wrapped.GetOrderStatus(context.Background(), "gone", "BTCUSDT")
		require.ErrorIs(t, err, apperrors.ErrOrderNotFound)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_, err := wrapped.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	// A business error also clears accumulated transient strikes.
	mock.InjectError(apperrors.ErrNetwork, 4)
	for i := 0; i < 4; i++ {
		_, err := wrapped.GetCurrentPrice(context.Background(), "BTCUSDT")
		require.ErrorIs(t, err, apperrors.ErrNetwork)
	}
	mock.InjectError(apperrors.ErrOrderNotFound, 1)
	_, err = wrapped.GetOrderStatus(context.Background(), "gone", "BTCUSDT")
	require.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	mock.InjectError(apperrors.ErrNetwork, 1)
	_, err = wrapped.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, CircuitClosed, cb.State())
}
