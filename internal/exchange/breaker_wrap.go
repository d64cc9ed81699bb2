package exchange

import (
	"context"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// brokenExchange wraps a connector so every outbound call passes through
// the venue's circuit breaker.
type brokenExchange struct {
	inner   core.IExchange
	breaker *CircuitBreaker
}

// WrapWithBreaker attaches a breaker to a connector.
func WrapWithBreaker(inner core.IExchange, breaker *CircuitBreaker) core.IExchange {
	return &brokenExchange{inner: inner, breaker: breaker}
}

func (b *brokenExchange) call(fn func() error) error {
	if err := b.breaker.Allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.breaker.OnSuccess()
	case apperrors.IsTransient(err):
		b.breaker.OnFailure()
	default:
		// The venue answered. A business rejection such as a vanished
		// order is terminal for the caller but not a venue health signal.
		b.breaker.OnSuccess()
	}
	return err
}

func (b *brokenExchange) Name() string { return b.inner.Name() }

func (b *brokenExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.Order, error) {
	var order *core.Order
	err := b.call(func() error {
		var innerErr error
		order, innerErr = b.inner.PlaceOrder(ctx, req)
		return innerErr
	})
	return order, err
}

func (b *brokenExchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	var order *core.Order
	err := b.call(func() error {
		var innerErr error
		order, innerErr = b.inner.GetOrderStatus(ctx, orderID, symbol)
		return innerErr
	})
	return order, err
}

func (b *brokenExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return b.call(func() error {
		return b.inner.CancelOrder(ctx, orderID, symbol)
	})
}

func (b *brokenExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	var orders []*core.Order
	err := b.call(func() error {
		var innerErr error
		orders, innerErr = b.inner.FetchOpenOrders(ctx, symbol)
		return innerErr
	})
	return orders, err
}

func (b *brokenExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := b.call(func() error {
		var innerErr error
		price, innerErr = b.inner.GetCurrentPrice(ctx, symbol)
		return innerErr
	})
	return price, err
}

func (b *brokenExchange) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	var tickers map[string]decimal.Decimal
	err := b.call(func() error {
		var innerErr error
		tickers, innerErr = b.inner.GetAllTickers(ctx)
		return innerErr
	})
	return tickers, err
}

func (b *brokenExchange) FetchBalance(ctx context.Context, currency string) (*core.Balance, error) {
	var bal *core.Balance
	err := b.call(func() error {
		var innerErr error
		bal, innerErr = b.inner.FetchBalance(ctx, currency)
		return innerErr
	})
	return bal, err
}

func (b *brokenExchange) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRules, error) {
	var rules map[string]core.PrecisionRules
	err := b.call(func() error {
		var innerErr error
		rules, innerErr = b.inner.GetPrecisionRules(ctx)
		return innerErr
	})
	return rules, err
}

func (b *brokenExchange) Close() error {
	// Lifecycle calls bypass the breaker.
	return b.inner.Close()
}
