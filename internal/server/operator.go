package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"spot_trader/internal/core"
	"spot_trader/internal/trading/order"

	apperrors "spot_trader/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus := "ok"
	if err := s.deps.Store.Healthy(ctx); err != nil {
		dbStatus = err.Error()
	}
	coordStatus := "ok"
	if err := s.deps.Coord.Healthy(ctx); err != nil {
		coordStatus = err.Error()
	}

	status := http.StatusOK
	if dbStatus != "ok" || coordStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"database":         dbStatus,
		"coordination":     coordStatus,
		"is_leader":        s.deps.Elector.IsLeader(),
		"worker_id":        s.deps.Elector.WorkerID(),
		"services":         s.deps.Watchdog.Statuses(ctx),
		"circuit_breakers": s.deps.Gateway.BreakerStates(),
	})
}

type riskSwitchRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) riskSwitch(c *gin.Context, apply func(user *core.User) error) {
	var req riskSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == uuid.Nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "user_id is required"})
		return
	}
	user, err := s.deps.Store.Users().Get(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
		return
	}
	if err := apply(user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleForceStop(c *gin.Context) {
	s.riskSwitch(c, func(user *core.User) error {
		return s.deps.Gate.ForceStop(c.Request.Context(), user)
	})
}

func (s *Server) handleForceStart(c *gin.Context) {
	s.riskSwitch(c, func(user *core.User) error {
		return s.deps.Gate.ForceStart(c.Request.Context(), user)
	})
}

// handleSyncExchange runs one reconcile pass and one risk pass on
// demand, regardless of the loop schedule.
func (s *Server) handleSyncExchange(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.deps.Monitor.RunCycle(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile failed: " + err.Error()})
		return
	}
	if err := s.deps.RiskEngine.RunCycle(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk pass failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

type manualCloseRequest struct {
	MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
}

func (s *Server) handleManualClose(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "id is not a uuid"})
		return
	}

	var req manualCloseRequest
	// An empty body means defaults.
	_ = c.ShouldBindJSON(&req)
	if !req.MaxSlippagePercent.IsPositive() {
		req.MaxSlippagePercent = decimal.NewFromInt(1)
	}

	ctx := c.Request.Context()
	group, err := s.deps.Store.Groups().Get(ctx, groupID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown position group"})
		return
	}
	user, err := s.deps.Store.Users().Get(ctx, group.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "owner lookup failed"})
		return
	}
	venue, err := s.deps.Gateway.Connector(ctx, user, group.Venue)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "venue unavailable: " + err.Error()})
		return
	}
	price, err := venue.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "price unavailable: " + err.Error()})
		return
	}

	err = s.deps.Positions.ExitClose(ctx, user, group.ID,
		price, req.MaxSlippagePercent, order.SlippageWarn,
		core.RiskActionManualClose, "operator close")
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrGroupNotActive), errors.Is(err, apperrors.ErrLockContended):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.logger.Error("manual close failed", "group_id", group.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "group_id": group.ID})
}

type venueAnalytics struct {
	TVLUSD           decimal.Decimal `json:"tvl_usd"`
	UnrealizedPnLUSD decimal.Decimal `json:"unrealized_pnl_usd"`
	OpenGroups       int             `json:"open_groups"`
}

type analyticsResponse struct {
	UserID          uuid.UUID                  `json:"user_id"`
	Venues          map[string]*venueAnalytics `json:"venues"`
	TotalTVLUSD     decimal.Decimal            `json:"total_tvl_usd"`
	TotalUnrealized decimal.Decimal            `json:"total_unrealized_pnl_usd"`
	RealizedPnLUSD  decimal.Decimal            `json:"realized_pnl_usd"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}

const analyticsView = "analytics"

func (s *Server) handleAnalytics(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "user_id query parameter is required"})
		return
	}
	ctx := c.Request.Context()

	if cached, ok := s.deps.Cache.GetDashboard(ctx, userID, analyticsView); ok {
		c.Data(http.StatusOK, "application/json", []byte(cached))
		return
	}

	groups, err := s.deps.Store.Groups().ListByUserAndStatus(ctx, userID,
		core.GroupLive, core.GroupPartiallyFilled, core.GroupActive, core.GroupClosing)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics query failed"})
		return
	}
	realized, err := s.deps.Store.Groups().SumRealizedPnLSince(ctx, userID, time.Time{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics query failed"})
		return
	}

	resp := analyticsResponse{
		UserID:         userID,
		Venues:         make(map[string]*venueAnalytics),
		RealizedPnLUSD: realized,
		GeneratedAt:    time.Now().UTC(),
	}
	for _, g := range groups {
		v := resp.Venues[g.Venue]
		if v == nil {
			v = &venueAnalytics{}
			resp.Venues[g.Venue] = v
		}
		v.TVLUSD = v.TVLUSD.Add(g.TotalInvestedUSD)
		v.UnrealizedPnLUSD = v.UnrealizedPnLUSD.Add(g.UnrealizedPnLUSD)
		v.OpenGroups++
		resp.TotalTVLUSD = resp.TotalTVLUSD.Add(g.TotalInvestedUSD)
		resp.TotalUnrealized = resp.TotalUnrealized.Add(g.UnrealizedPnLUSD)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analytics encoding failed"})
		return
	}
	if err := s.deps.Cache.SetDashboard(ctx, userID, analyticsView, string(body)); err != nil {
		s.logger.Warn("dashboard cache write failed", "user_id", userID, "error", err)
	}
	c.Data(http.StatusOK, "application/json", body)
}
