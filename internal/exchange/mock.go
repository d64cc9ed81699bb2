package exchange

import (
	"context"
	"strings"
	"sync"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockExchange is the in-process reference venue used in tests. Its
// matching engine fills limit orders when the configured price crosses
// and fills market orders immediately at the current price.
type MockExchange struct {
	name    string
	feeRate decimal.Decimal

	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	precision map[string]core.PrecisionRules
	orders    map[string]*core.Order
	balances  map[string]*core.Balance

	nextErr   error
	nextErrN  int
	closed    bool
	placeHook func(req core.PlaceOrderRequest)
}

// NewMockExchange creates a mock venue with a 0.1% taker fee.
func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:      name,
		feeRate:   decimal.NewFromFloat(0.001),
		prices:    make(map[string]decimal.Decimal),
		precision: make(map[string]core.PrecisionRules),
		orders:    make(map[string]*core.Order),
		balances:  make(map[string]*core.Balance),
	}
}

func (m *MockExchange) Name() string { return m.name }

// SetPrice sets the last price and runs the matching pass.
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.matchLocked(symbol, price)
}

// SetPrecision configures a symbol's rounding rules.
func (m *MockExchange) SetPrecision(symbol string, rules core.PrecisionRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precision[symbol] = rules
}

// SetBalance seeds a currency balance.
func (m *MockExchange) SetBalance(currency string, bal core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToUpper(currency)] = &bal
}

// InjectError makes the next n calls fail with err.
func (m *MockExchange) InjectError(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
	m.nextErrN = n
}

// OnPlaceOrder registers a hook observed on every successful submit.
func (m *MockExchange) OnPlaceOrder(hook func(req core.PlaceOrderRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeHook = hook
}

// OpenOrderCount reports orders still working on the venue.
func (m *MockExchange) OpenOrderCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == core.VenueOrderOpen {
			count++
		}
	}
	return count
}

func (m *MockExchange) takeErrLocked() error {
	if m.nextErrN > 0 {
		m.nextErrN--
		err := m.nextErr
		if m.nextErrN == 0 {
			m.nextErr = nil
		}
		return err
	}
	return nil
}

func (m *MockExchange) matchLocked(symbol string, price decimal.Decimal) {
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status != core.VenueOrderOpen || o.Type != core.OrderTypeLimit {
			continue
		}
		crossed := (o.Side == core.SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == core.SideSell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			m.fillLocked(o, o.Price)
		}
	}
}

func (m *MockExchange) fillLocked(o *core.Order, at decimal.Decimal) {
	o.Status = core.VenueOrderClosed
	o.Filled = o.Quantity
	o.AvgPrice = at
	o.Fee = o.Quantity.Mul(at).Mul(m.feeRate)
	o.FeeCurrency = quoteCurrency(o.Symbol)
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	price, ok := m.prices[req.Symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}

	order := &core.Order{
		ID:       uuid.NewString(),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   core.VenueOrderOpen,
		Price:    req.Price,
		Quantity: req.Quantity,
	}

	switch req.Type {
	case core.OrderTypeMarket:
		m.fillLocked(order, price)
	case core.OrderTypeLimit:
		crossed := (req.Side == core.SideBuy && price.LessThanOrEqual(req.Price)) ||
			(req.Side == core.SideSell && price.GreaterThanOrEqual(req.Price))
		if crossed {
			m.fillLocked(order, req.Price)
		}
	default:
		return nil, apperrors.ErrInvalidOrderParameter
	}

	m.orders[order.ID] = order
	if m.placeHook != nil {
		m.placeHook(req)
	}
	snapshot := *order
	return &snapshot, nil
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	snapshot := *o
	return &snapshot, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if o.Status == core.VenueOrderOpen {
		o.Status = core.VenueOrderCanceled
	}
	return nil
}

func (m *MockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}

	var open []*core.Order
	for _, o := range m.orders {
		if o.Status != core.VenueOrderOpen {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		snapshot := *o
		open = append(open, &snapshot)
	}
	return open, nil
}

func (m *MockExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return price, nil
}

func (m *MockExchange) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tickers := make(map[string]decimal.Decimal, len(m.prices))
	for sym, p := range m.prices {
		tickers[sym] = p
	}
	return tickers, nil
}

func (m *MockExchange) FetchBalance(ctx context.Context, currency string) (*core.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[strings.ToUpper(currency)]
	if !ok {
		return &core.Balance{}, nil
	}
	snapshot := *bal
	return &snapshot, nil
}

func (m *MockExchange) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make(map[string]core.PrecisionRules, len(m.precision))
	for sym, r := range m.precision {
		rules[sym] = r
	}
	return rules, nil
}

func (m *MockExchange) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// quoteCurrency guesses the quote side of a symbol.
func quoteCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[i+1:]
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return quote
		}
	}
	return "USDT"
}

// BaseCurrency guesses the base side of a symbol, used by the
// insufficient-balance retry heuristic.
func BaseCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[:i]
	}
	quote := quoteCurrency(symbol)
	if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
		return strings.TrimSuffix(symbol, quote)
	}
	return symbol
}

var _ core.IExchange = (*MockExchange)(nil)
