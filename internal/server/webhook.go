package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"spot_trader/internal/signal"

	apperrors "spot_trader/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) handleWebhook(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		s.deps.Metrics.SignalsRejected.WithLabelValues("validation").Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "user_id is not a uuid"})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var payload signal.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.deps.Metrics.SignalsRejected.WithLabelValues("validation").Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed JSON payload"})
		return
	}

	ctx := c.Request.Context()
	user, err := s.deps.Store.Users().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.deps.Metrics.SignalsRejected.WithLabelValues("unknown_user").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user lookup failed"})
		return
	}

	intent, err := signal.Validate(&payload, userID, user, raw)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrBadSecret):
			s.deps.Metrics.SignalsRejected.WithLabelValues("bad_secret").Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, apperrors.ErrShortNotSupported):
			s.deps.Metrics.SignalsRejected.WithLabelValues("short").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.deps.Metrics.SignalsRejected.WithLabelValues("validation").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		}
		return
	}

	outcome, err := s.deps.Router.Route(ctx, user, intent)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrLockContended):
			c.JSON(http.StatusConflict, gin.H{"error": "signal is being processed, retry shortly"})
		case errors.Is(err, apperrors.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			s.logger.Error("webhook routing failed",
				"user_id", user.ID, "symbol", intent.Symbol, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	status := http.StatusAccepted
	if outcome == signal.OutcomeExitComplete {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"status": string(outcome)})
}
