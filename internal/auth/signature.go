package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/clock"
)

// ReplayWindow bounds how far the signed timestamp may drift from our clock.
const ReplayWindow = 300 * time.Second

// Header names of the platform's request-signing convention.
const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"
)

const signatureVersion = "v0"

// ErrInvalidSignature is surfaced to the webhook caller as 401.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier checks HMAC-SHA256 request signatures keyed by the signing secret.
type Verifier struct {
	secret []byte
	clock  clock.Clock
	logger *slog.Logger
}

// NewVerifier creates a Verifier. A nil clock means the real clock.
func NewVerifier(secret string, clk clock.Clock, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{secret: []byte(secret), clock: clk, logger: logger}
}

// Verify reports whether body was signed by the platform at timestamp.
// Timestamps outside ReplayWindow are rejected before any HMAC work.
func (v *Verifier) Verify(body []byte, timestamp, signature string) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		v.logger.Warn("signature timestamp not numeric", "timestamp", timestamp)
		return false
	}

	skew := v.clock.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > ReplayWindow {
		v.logger.Warn("signature timestamp outside replay window",
			"timestamp", timestamp, "skew_s", int64(skew.Seconds()))
		return false
	}

	expected := v.Sign(body, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		v.logger.Warn("signature mismatch")
		return false
	}
	return true
}

// Sign returns "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
func (v *Verifier) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
