package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PratikDhanave/agent-gateway/internal/models"
)

// ErrDeliveryFailed means the reply was generated but could not be posted.
var ErrDeliveryFailed = errors.New("reply delivery failed")

// Poster performs one outbound post into a conversation.
type Poster interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) error
}

// Responder posts CanonicalResponses back where the request came from.
type Responder struct {
	poster Poster
	logger *slog.Logger
}

// New creates a Responder.
func New(p Poster, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{poster: p, logger: logger}
}

// Post performs exactly one outbound post of resp.Reply. Failures are
// returned wrapped in ErrDeliveryFailed, never retried.
func (r *Responder) Post(ctx context.Context, resp models.CanonicalResponse) error {
	reply := resp.Reply
	if reply.Channel == "" {
		return fmt.Errorf("%w: request %s: reply has no channel", ErrDeliveryFailed, resp.ID)
	}

	if err := r.poster.PostMessage(ctx, reply.Channel, reply.ThreadTS, reply.Text); err != nil {
		return fmt.Errorf("%w: request %s: %w", ErrDeliveryFailed, resp.ID, err)
	}

	r.logger.Info("reply posted",
		"request_id", resp.ID,
		"channel", reply.Channel,
		"thread_ts", reply.ThreadTS,
	)
	return nil
}
