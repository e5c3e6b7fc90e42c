package deadletter

import (
	"context"
	"log/slog"
	"time"
)

// Kinds of failure recorded.
const (
	KindBackendUnavailable = "backend_unavailable"
	KindDeliveryFailed     = "delivery_failed"
)

// Record carries everything an operator needs to finish a reply by hand.
// ReplyText is only set for delivery failures, where the agent already answered.
type Record struct {
	Kind           string    `json:"kind"`
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	ThreadTS       string    `json:"thread_ts,omitempty"`
	ReplyText      string    `json:"reply_text,omitempty"`
	Error          string    `json:"error"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Sink stores failed reply attempts. Recording is not a retry.
type Sink interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// LogSink writes records as error-level log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, rec Record) error {
	s.logger.Error("reply dead-lettered",
		"kind", rec.Kind,
		"event_id", rec.EventID,
		"conversation_id", rec.ConversationID,
		"request_id", rec.RequestID,
		"channel", rec.Channel,
		"thread_ts", rec.ThreadTS,
		"reply_text", rec.ReplyText,
		"error", rec.Error,
		"occurred_at", rec.OccurredAt,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
