package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Wire types shared with the bundled mock exchange REST service.
type (
	wireOrder struct {
		ID          string          `json:"id"`
		Symbol      string          `json:"symbol"`
		Side        string          `json:"side"`
		Type        string          `json:"type"`
		Status      string          `json:"status"`
		Price       decimal.Decimal `json:"price"`
		Quantity    decimal.Decimal `json:"quantity"`
		Filled      decimal.Decimal `json:"filled"`
		AvgPrice    decimal.Decimal `json:"avg_price"`
		Fee         decimal.Decimal `json:"fee"`
		FeeCurrency string          `json:"fee_currency"`
	}

	wirePlaceRequest struct {
		Symbol   string          `json:"symbol"`
		Side     string          `json:"side"`
		Type     string          `json:"type"`
		Quantity decimal.Decimal `json:"quantity"`
		Price    decimal.Decimal `json:"price,omitempty"`
	}

	wireBalance struct {
		Total decimal.Decimal `json:"total"`
		Free  decimal.Decimal `json:"free"`
		Used  decimal.Decimal `json:"used"`
	}

	wirePrecision struct {
		TickSize    decimal.Decimal `json:"tick_size"`
		StepSize    decimal.Decimal `json:"step_size"`
		MinQty      decimal.Decimal `json:"min_qty"`
		MinNotional decimal.Decimal `json:"min_notional"`
	}

	wireError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// RESTVenue is a connector for venues exposing the engine's REST order
// API, including the bundled mock exchange service.
type RESTVenue struct {
	name   string
	client *resty.Client
}

// NewRESTVenue builds a connector with per-call timeouts enforced by the
// caller's context plus a client-level ceiling.
func NewRESTVenue(name, baseURL, apiKey string, timeout time.Duration) *RESTVenue {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return &RESTVenue{name: name, client: client}
}

func (v *RESTVenue) Name() string { return v.name }

func decodeVenueError(resp *resty.Response, fallback error) error {
	if werr, ok := resp.Error().(*wireError); ok && werr != nil && werr.Code != "" {
		switch werr.Code {
		case "insufficient_funds":
			return apperrors.ErrInsufficientFunds
		case "invalid_symbol":
			return apperrors.ErrInvalidSymbol
		case "order_not_found":
			return apperrors.ErrOrderNotFound
		case "rate_limited":
			return apperrors.ErrRateLimitExceeded
		case "rejected":
			return apperrors.ErrOrderRejected
		case "maintenance":
			return apperrors.ErrExchangeMaintenance
		case "invalid_parameter":
			return apperrors.ErrInvalidOrderParameter
		}
		return fmt.Errorf("%w: %s", fallback, werr.Message)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return apperrors.ErrNetwork
	}
	return fallback
}

func toCoreOrder(w *wireOrder) *core.Order {
	return &core.Order{
		ID:          w.ID,
		Symbol:      w.Symbol,
		Side:        core.Side(w.Side),
		Type:        core.OrderType(w.Type),
		Status:      w.Status,
		Price:       w.Price,
		Quantity:    w.Quantity,
		Filled:      w.Filled,
		AvgPrice:    w.AvgPrice,
		Fee:         w.Fee,
		FeeCurrency: w.FeeCurrency,
	}
}

func (v *RESTVenue) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.Order, error) {
	var result wireOrder
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(wirePlaceRequest{
			Symbol:   req.Symbol,
			Side:     string(req.Side),
			Type:     string(req.Type),
			Quantity: req.Quantity,
			Price:    req.Price,
		}).
		SetResult(&result).
		SetError(&wireError{}).
		Post("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrOrderRejected)
	}
	return toCoreOrder(&result), nil
}

func (v *RESTVenue) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	var result wireOrder
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		SetError(&wireError{}).
		Get("/api/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrOrderNotFound)
	}
	return toCoreOrder(&result), nil
}

func (v *RESTVenue) CancelOrder(ctx context.Context, orderID, symbol string) error {
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetError(&wireError{}).
		Delete("/api/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return decodeVenueError(resp, apperrors.ErrOrderNotFound)
	}
	return nil
}

func (v *RESTVenue) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	var result []wireOrder
	req := v.client.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetResult(&result).
		SetError(&wireError{})
	if symbol != "" {
		req.SetQueryParam("symbol", symbol)
	}
	resp, err := req.Get("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrNetwork)
	}
	orders := make([]*core.Order, 0, len(result))
	for i := range result {
		orders = append(orders, toCoreOrder(&result[i]))
	}
	return orders, nil
}

func (v *RESTVenue) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		Symbol string          `json:"symbol"`
		Last   decimal.Decimal `json:"last"`
	}
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&wireError{}).
		Get("/api/tickers/" + symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return decimal.Zero, decodeVenueError(resp, apperrors.ErrInvalidSymbol)
	}
	return result.Last, nil
}

func (v *RESTVenue) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	var result map[string]decimal.Decimal
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&wireError{}).
		Get("/api/tickers")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrNetwork)
	}
	return result, nil
}

func (v *RESTVenue) FetchBalance(ctx context.Context, currency string) (*core.Balance, error) {
	var result wireBalance
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&wireError{}).
		Get("/api/balances/" + currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrNetwork)
	}
	return &core.Balance{Total: result.Total, Free: result.Free, Used: result.Used}, nil
}

func (v *RESTVenue) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRules, error) {
	var result map[string]wirePrecision
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&wireError{}).
		Get("/api/precision")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, decodeVenueError(resp, apperrors.ErrNetwork)
	}
	rules := make(map[string]core.PrecisionRules, len(result))
	for sym, p := range result {
		rules[sym] = core.PrecisionRules{
			TickSize:    p.TickSize,
			StepSize:    p.StepSize,
			MinQty:      p.MinQty,
			MinNotional: p.MinNotional,
		}
	}
	return rules, nil
}

func (v *RESTVenue) Close() error {
	// resty has no persistent resources beyond the transport pool.
	v.client.GetClient().CloseIdleConnections()
	return nil
}

var _ core.IExchange = (*RESTVenue)(nil)
