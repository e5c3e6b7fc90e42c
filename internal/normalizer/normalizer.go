package normalizer

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/agent-gateway/internal/clock"
	"github.com/PratikDhanave/agent-gateway/internal/models"
	"github.com/PratikDhanave/agent-gateway/internal/users"
)

// Platform is the source platform recorded on every request.
const Platform = "slack"

// mentionPattern matches user mention tokens such as <@U0123ABC>.
var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Normalizer turns platform events into CanonicalRequests.
type Normalizer struct {
	users users.Resolver
	agent models.AgentRef
	clock clock.Clock
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAgent sets the agent every request targets. Default: engineer/developer.
func WithAgent(name, kind string) Option {
	return func(n *Normalizer) { n.agent = models.AgentRef{Name: name, Type: kind} }
}

// WithClock overrides the clock used for request timestamps.
func WithClock(c clock.Clock) Option {
	return func(n *Normalizer) { n.clock = c }
}

// WithIDFunc overrides request id generation.
func WithIDFunc(f func() string) Option {
	return func(n *Normalizer) { n.newID = f }
}

// New creates a Normalizer resolving author names through r.
func New(r users.Resolver, opts ...Option) *Normalizer {
	n := &Normalizer{
		users: r,
		agent: models.AgentRef{Name: "engineer", Type: "developer"},
		clock: clock.Real(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize builds a CanonicalRequest from ev. A failed name lookup falls
// back to users.Unknown and never aborts normalization.
func (n *Normalizer) Normalize(ctx context.Context, ev *models.Event) models.CanonicalRequest {
	username := users.NameOrFallback(ctx, n.users, ev.User, users.Unknown)

	workspace := ev.Team
	if workspace == "" {
		workspace = "unknown"
	}

	return models.CanonicalRequest{
		ID:        n.newID(),
		Timestamp: n.clock.Now().UTC().Format(time.RFC3339Nano),
		Source: models.Source{
			Platform:  Platform,
			Workspace: workspace,
			Channel:   ev.Channel,
			ThreadTS:  ev.ThreadRoot(),
			UserID:    ev.User,
			Username:  username,
		},
		Agent: n.agent,
		Message: models.RequestMessage{
			Text:    CleanMentions(ev.Text),
			RawText: ev.Text,
		},
		Context: map[string]any{
			models.ContextConversationID: ev.ConversationID(),
		},
	}
}

// CleanMentions strips every user mention token and trims surrounding whitespace.
func CleanMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}
