package auth

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes caps webhook payloads; the platform never sends anything close.
const maxBodyBytes = 1 << 20

const rawBodyCtxKey = "raw_body"

// RequireSignature reads the webhook body once and runs the admission
// checks that precede any payload handling: malformed JSON is a 400,
// a failed signature check is a 401. The verified bytes are kept for the handler.
func RequireSignature(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if !json.Valid(body) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		if !v.Verify(body, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidSignature.Error()})
			return
		}

		c.Set(rawBodyCtxKey, body)
		c.Next()
	}
}

// RawBody returns the verified request body stored by RequireSignature.
func RawBody(c *gin.Context) []byte {
	v, _ := c.Get(rawBodyCtxKey)
	b, _ := v.([]byte)
	return b
}
