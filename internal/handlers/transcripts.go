package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/agent-gateway/internal/auth"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

// RegisterTranscriptRoutes registers the operator read path.
//
// GET /transcripts?conversation_id=...
// - Requires X-API-Key (operator principal)
// - Returns the stored messages of one conversation in order
func RegisterTranscriptRoutes(r gin.IRoutes, st transcript.Store) {
	r.GET("/transcripts", func(c *gin.Context) {
		if auth.Principal(c) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conversationID := c.Query("conversation_id")
		if conversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id required"})
			return
		}

		msgs, err := st.Load(c.Request.Context(), conversationID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript load failed"})
			return
		}
		if msgs == nil {
			msgs = []transcript.Message{}
		}

		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conversationID,
			"count":           len(msgs),
			"messages":        msgs,
		})
	})
}
