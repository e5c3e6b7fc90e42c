package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/agent-gateway/internal/agent"
	"github.com/PratikDhanave/agent-gateway/internal/models"
)

// RegisterAgentRoutes registers the agent-invocation endpoint.
//
// POST /agent/invoke
// - Body is a CanonicalRequest; missing required fields are a 400
// - Unknown agent names are a 404
// - Agent failures still answer 200 with agent.status "error"
func RegisterAgentRoutes(r gin.IRoutes, reg *agent.Registry, logger *slog.Logger) {
	r.POST("/agent/invoke", func(c *gin.Context) {
		var req models.CanonicalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		h, err := reg.Lookup(req.Agent.Name)
		if errors.Is(err, agent.ErrAgentNotFound) {
			logger.Warn("unknown agent requested", "agent", req.Agent.Name, "request_id", req.ID)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "agent lookup failed"})
			return
		}

		logger.Info("routing request",
			"agent", req.Agent.Name,
			"request_id", req.ID,
			"channel", req.Source.Channel,
			"username", req.Source.Username,
		)
		resp := h.Handle(c.Request.Context(), req)
		logger.Info("agent finished", "agent", req.Agent.Name, "request_id", req.ID, "status", resp.Agent.Status)

		c.JSON(http.StatusOK, resp)
	})
}
