package mockex

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/exchange"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// takerFeeRate is charged in quote currency on every fill.
var takerFeeRate = decimal.NewFromFloat(0.001)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireOrder struct {
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

type wirePlaceRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

var errorStatus = map[string]int{
	"insufficient_funds": http.StatusBadRequest,
	"invalid_symbol":     http.StatusBadRequest,
	"order_not_found":    http.StatusNotFound,
	"rate_limited":       http.StatusTooManyRequests,
	"rejected":           http.StatusBadRequest,
	"maintenance":        http.StatusServiceUnavailable,
	"invalid_parameter":  http.StatusBadRequest,
}

// Service is the HTTP face of the mock exchange.
type Service struct {
	store  *Store
	logger core.ILogger
	apiKey string

	mu        sync.Mutex
	injected  string
	remaining int
}

// NewService wires the service. An empty apiKey disables auth.
func NewService(store *Store, apiKey string, logger core.ILogger) *Service {
	return &Service{
		store:  store,
		logger: logger.WithField("component", "mock_exchange"),
		apiKey: apiKey,
	}
}

// InjectErrors makes the next n venue API calls fail with the code.
func (s *Service) InjectErrors(code string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = code
	s.remaining = n
}

func (s *Service) takeInjected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining <= 0 {
		return "", false
	}
	s.remaining--
	return s.injected, true
}

func venueError(c *gin.Context, code, message string) {
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, wireError{Code: code, Message: message})
}

// Routes assembles the gin engine: the venue API under /api and the
// test-steering surface under /admin.
func (s *Service) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api", s.auth(), s.failInjected())
	api.POST("/orders", s.handlePlaceOrder)
	api.GET("/orders", s.handleListOrders)
	api.GET("/orders/:id", s.handleGetOrder)
	api.DELETE("/orders/:id", s.handleCancelOrder)
	api.GET("/tickers", s.handleAllTickers)
	api.GET("/tickers/:symbol", s.handleGetTicker)
	api.GET("/balances/:currency", s.handleGetBalance)
	api.GET("/precision", s.handlePrecision)

	admin := engine.Group("/admin", s.auth())
	admin.POST("/price", s.handleSetPrice)
	admin.POST("/precision", s.handleSetPrecision)
	admin.POST("/balance", s.handleSetBalance)
	admin.POST("/errors", s.handleInjectErrors)
	admin.POST("/reset", s.handleReset)

	return engine
}

func (s *Service) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey != "" && c.GetHeader("X-API-Key") != s.apiKey {
			venueError(c, "rejected", "bad api key")
			return
		}
		c.Next()
	}
}

func (s *Service) failInjected() gin.HandlerFunc {
	return func(c *gin.Context) {
		if code, ok := s.takeInjected(); ok {
			venueError(c, code, "injected error")
			return
		}
		c.Next()
	}
}

func toWire(o *orderRow) wireOrder {
	return wireOrder{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Status:      o.Status,
		Price:       o.Price,
		Quantity:    o.Quantity,
		Filled:      o.Filled,
		AvgPrice:    o.AvgPrice,
		Fee:         o.Fee,
		FeeCurrency: o.FeeCurrency,
	}
}

func quoteOf(symbol string) string {
	base := exchange.BaseCurrency(symbol)
	return strings.TrimPrefix(strings.TrimPrefix(symbol, base), "/")
}

// fill marks the order closed at the given price and charges the fee.
func fill(o *orderRow, at decimal.Decimal) {
	o.Status = core.VenueOrderClosed
	o.Filled = o.Quantity
	o.AvgPrice = at
	o.Fee = o.Quantity.Mul(at).Mul(takerFeeRate)
	o.FeeCurrency = quoteOf(o.Symbol)
}

func crossed(side string, limit, price decimal.Decimal) bool {
	if side == string(core.SideBuy) {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func (s *Service) handlePlaceOrder(c *gin.Context) {
	var req wirePlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		venueError(c, "invalid_parameter", "malformed order request")
		return
	}
	if !req.Quantity.IsPositive() {
		venueError(c, "invalid_parameter", "quantity must be positive")
		return
	}
	if req.Type != string(core.OrderTypeMarket) && req.Type != string(core.OrderTypeLimit) {
		venueError(c, "invalid_parameter", "type must be market or limit")
		return
	}
	if req.Type == string(core.OrderTypeLimit) && !req.Price.IsPositive() {
		venueError(c, "invalid_parameter", "limit orders need a positive price")
		return
	}

	price, ok, err := s.store.getTicker(req.Symbol)
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	if !ok {
		venueError(c, "invalid_symbol", "no ticker for "+req.Symbol)
		return
	}

	// Sells are bounded by the tracked base balance when one exists.
	if req.Side == string(core.SideSell) {
		bal, err := s.store.getBalance(exchange.BaseCurrency(req.Symbol))
		if err != nil {
			venueError(c, "rejected", err.Error())
			return
		}
		if bal != nil && bal.Free.LessThan(req.Quantity) {
			venueError(c, "insufficient_funds", "free balance below requested quantity")
			return
		}
	}

	o := &orderRow{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    core.VenueOrderOpen,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: time.Now().UTC(),
	}
	switch req.Type {
	case string(core.OrderTypeMarket):
		fill(o, price)
	case string(core.OrderTypeLimit):
		if crossed(req.Side, req.Price, price) {
			fill(o, req.Price)
		}
	}

	if err := s.store.insertOrder(o); err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	c.JSON(http.StatusCreated, toWire(o))
}

func (s *Service) handleGetOrder(c *gin.Context) {
	o, err := s.store.getOrder(c.Param("id"))
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	if o == nil {
		venueError(c, "order_not_found", "unknown order "+c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, toWire(o))
}

func (s *Service) handleCancelOrder(c *gin.Context) {
	o, err := s.store.getOrder(c.Param("id"))
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	if o == nil {
		venueError(c, "order_not_found", "unknown order "+c.Param("id"))
		return
	}
	if o.Status == core.VenueOrderOpen {
		o.Status = core.VenueOrderCanceled
		if err := s.store.updateOrder(o); err != nil {
			venueError(c, "rejected", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, toWire(o))
}

func (s *Service) handleListOrders(c *gin.Context) {
	orders, err := s.store.listOrders(c.Query("symbol"), c.Query("status"))
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	out := make([]wireOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, toWire(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) handleAllTickers(c *gin.Context) {
	tickers, err := s.store.allTickers()
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	c.JSON(http.StatusOK, tickers)
}

func (s *Service) handleGetTicker(c *gin.Context) {
	symbol := c.Param("symbol")
	price, ok, err := s.store.getTicker(symbol)
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	if !ok {
		venueError(c, "invalid_symbol", "no ticker for "+symbol)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "last": price})
}

func (s *Service) handleGetBalance(c *gin.Context) {
	bal, err := s.store.getBalance(c.Param("currency"))
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	if bal == nil {
		bal = &balanceRow{Currency: c.Param("currency")}
	}
	c.JSON(http.StatusOK, gin.H{"total": bal.Total, "free": bal.Free, "used": bal.Used})
}

func (s *Service) handlePrecision(c *gin.Context) {
	rules, err := s.store.allPrecision()
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	out := make(map[string]gin.H, len(rules))
	for _, p := range rules {
		out[p.Symbol] = gin.H{
			"tick_size":    p.TickSize,
			"step_size":    p.StepSize,
			"min_qty":      p.MinQty,
			"min_notional": p.MinNotional,
		}
	}
	c.JSON(http.StatusOK, out)
}

type setPriceRequest struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

// handleSetPrice moves the ticker and runs the matching pass: open
// limit orders crossed by the new price fill at their limit.
func (s *Service) handleSetPrice(c *gin.Context) {
	var req setPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" || !req.Last.IsPositive() {
		venueError(c, "invalid_parameter", "symbol and positive last are required")
		return
	}
	if err := s.store.setTicker(req.Symbol, req.Last); err != nil {
		venueError(c, "rejected", err.Error())
		return
	}

	open, err := s.store.listOrders(req.Symbol, core.VenueOrderOpen)
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	matched := 0
	for _, o := range open {
		if o.Type != string(core.OrderTypeLimit) || !crossed(o.Side, o.Price, req.Last) {
			continue
		}
		fill(o, o.Price)
		if err := s.store.updateOrder(o); err != nil {
			venueError(c, "rejected", err.Error())
			return
		}
		matched++
	}
	if matched > 0 {
		s.logger.Info("price move matched orders", "symbol", req.Symbol, "last", req.Last.String(), "fills", matched)
	}
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "last": req.Last, "fills": matched})
}

type setPrecisionRequest struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

func (s *Service) handleSetPrecision(c *gin.Context) {
	var req setPrecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		venueError(c, "invalid_parameter", "symbol is required")
		return
	}
	err := s.store.setPrecision(&precisionRow{
		Symbol:      req.Symbol,
		TickSize:    req.TickSize,
		StepSize:    req.StepSize,
		MinQty:      req.MinQty,
		MinNotional: req.MinNotional,
	})
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setBalanceRequest struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
}

func (s *Service) handleSetBalance(c *gin.Context) {
	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Currency == "" {
		venueError(c, "invalid_parameter", "currency is required")
		return
	}
	err := s.store.setBalance(&balanceRow{
		Currency: req.Currency,
		Total:    req.Total,
		Free:     req.Free,
		Used:     req.Used,
	})
	if err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type injectErrorsRequest struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

func (s *Service) handleInjectErrors(c *gin.Context) {
	var req injectErrorsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" || req.Count < 0 {
		venueError(c, "invalid_parameter", "code and a non-negative count are required")
		return
	}
	if _, ok := errorStatus[req.Code]; !ok {
		venueError(c, "invalid_parameter", "unknown error code "+req.Code)
		return
	}
	s.InjectErrors(req.Code, req.Count)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleReset(c *gin.Context) {
	if err := s.store.Reset(); err != nil {
		venueError(c, "rejected", err.Error())
		return
	}
	s.InjectErrors("", 0)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
