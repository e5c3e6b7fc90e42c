package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/agent-gateway/internal/auth"
	"github.com/PratikDhanave/agent-gateway/internal/gateway"
	"github.com/PratikDhanave/agent-gateway/internal/models"
)

// Admitter runs the synchronous admission path for one verified envelope.
type Admitter interface {
	Handle(env *models.Envelope) (gateway.Decision, error)
}

// RegisterSlackRoutes registers the webhook endpoint.
//
// POST /slack/events (alias POST /events)
// - Must sit behind auth.RequireSignature, which owns the 400/401 answers
// - Acknowledges with {"ok": true} before any background work finishes
// - Answers url_verification with {"challenge": ...}
func RegisterSlackRoutes(r gin.IRoutes, gw Admitter, logger *slog.Logger) {
	h := func(c *gin.Context) {
		var env models.Envelope
		if err := json.Unmarshal(auth.RawBody(c), &env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		d, err := gw.Handle(&env)
		if errors.Is(err, gateway.ErrMalformedPayload) {
			logger.Warn("rejecting malformed event", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			logger.Error("admission failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if d.Outcome == gateway.OutcomeChallenge {
			c.JSON(http.StatusOK, gin.H{"challenge": d.Challenge})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}

	r.POST("/slack/events", h)
	r.POST("/events", h)
}
