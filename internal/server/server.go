// Package server is the HTTP surface: the webhook intake plus the
// operator endpoints for health, risk switches, and manual closes.
package server

import (
	"context"
	"net/http"

	"spot_trader/internal/config"
	"spot_trader/internal/coordination"
	"spot_trader/internal/core"
	"spot_trader/internal/leader"
	"spot_trader/internal/risk"
	"spot_trader/internal/signal"
	"spot_trader/internal/trading/position"
	"spot_trader/pkg/telemetry"

	"github.com/gin-gonic/gin"
)

// cycleRunner is the on-demand face of a background loop.
type cycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Deps carries everything the HTTP layer talks to.
type Deps struct {
	Config     *config.Config
	Store      core.Store
	Coord      core.ICoordinator
	Cache      *coordination.Cache
	Gateway    core.IExchangeGateway
	Router     *signal.Router
	Positions  *position.Manager
	Gate       *risk.Gate
	Monitor    cycleRunner
	RiskEngine cycleRunner
	Elector    *leader.Elector
	Watchdog   *leader.Watchdog
	Logger     core.ILogger
	Metrics    *telemetry.Metrics
}

// Server owns the gin engine and its handlers.
type Server struct {
	deps     Deps
	logger   core.ILogger
	limiters *ipLimiters
}

// New builds the server. Call Routes to obtain the handler.
func New(deps Deps) *Server {
	return &Server{
		deps:     deps,
		logger:   deps.Logger.WithField("component", "http_server"),
		limiters: newIPLimiters(deps.Config.App.WebhookRateLimit, deps.Config.App.WebhookBurst),
	}
}

// Routes assembles the gin engine.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/webhook/:user_id", s.rateLimit(), s.handleWebhook)

	operator := engine.Group("/", s.requireAPIKey())
	operator.GET("/health/comprehensive", s.handleHealth)
	operator.POST("/risk/force-stop", s.handleForceStop)
	operator.POST("/risk/force-start", s.handleForceStart)
	operator.POST("/risk/sync-exchange", s.handleSyncExchange)
	operator.POST("/positions/:id/close", s.handleManualClose)
	operator.GET("/dashboard/analytics", s.handleAnalytics)

	return engine
}

// ListenAndServe blocks serving HTTP until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.deps.Config.App.ListenAddr,
		Handler: s.Routes(),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.Config.Gateway.ReadTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
