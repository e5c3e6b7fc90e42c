package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/agent-gateway/internal/agent"
	"github.com/PratikDhanave/agent-gateway/internal/auth"
	"github.com/PratikDhanave/agent-gateway/internal/handlers"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

// GatewayDeps are the collaborators the gateway's HTTP surface needs.
type GatewayDeps struct {
	Verifier    *auth.Verifier
	Gateway     handlers.Admitter
	Transcripts transcript.Store
	AdminKeys   map[string]string // apiKey -> operator
	Logger      *slog.Logger
}

// NewRouter wires the gateway endpoints.
// Public: /healthz, /ready
// Signed: /slack/events, /events
// Authenticated: /transcripts
func NewRouter(d GatewayDeps) *gin.Engine {
	r := newEngine(d.Logger)

	r.GET("/healthz", healthz)

	// Readiness: confirms the transcript store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Transcripts.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	signed := r.Group("/")
	signed.Use(auth.RequireSignature(d.Verifier))
	handlers.RegisterSlackRoutes(signed, d.Gateway, d.Logger)

	// Operator reads; an empty key set locks the group.
	admin := r.Group("/")
	admin.Use(auth.APIKeyMiddleware(d.AdminKeys))
	handlers.RegisterTranscriptRoutes(admin, d.Transcripts)

	return r
}

// NewAgentRouter wires the agent service endpoints. When keys is empty
// /agent/invoke is open, matching a backend reachable only from the gateway.
func NewAgentRouter(reg *agent.Registry, keys map[string]string, logger *slog.Logger) *gin.Engine {
	r := newEngine(logger)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agent-backend", "agents": reg.Names()})
	})

	invoke := r.Group("/")
	if len(keys) > 0 {
		invoke.Use(auth.APIKeyMiddleware(keys))
	}
	handlers.RegisterAgentRoutes(invoke, reg, logger)

	return r
}

func newEngine(logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	return r
}

// Liveness: confirms the process is running.
func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RequestLogger logs one line per request. Health probes log at debug.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case c.FullPath() == "/healthz" || c.FullPath() == "/ready":
			level = slog.LevelDebug
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
}
