package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/clock"
	"github.com/PratikDhanave/agent-gateway/internal/deadletter"
	"github.com/PratikDhanave/agent-gateway/internal/dispatch"
	"github.com/PratikDhanave/agent-gateway/internal/eventcache"
	"github.com/PratikDhanave/agent-gateway/internal/models"
	"github.com/PratikDhanave/agent-gateway/internal/normalizer"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
	"github.com/PratikDhanave/agent-gateway/internal/users"
)

// StaleThreshold drops events older than this without processing. It is
// tighter than the signature replay window on purpose.
const StaleThreshold = 60 * time.Second

// ErrMalformedPayload is a verified payload the gateway cannot act on (HTTP 400).
var ErrMalformedPayload = errors.New("malformed payload")

// Outcome is the terminal state of the synchronous admission path.
type Outcome int

const (
	// OutcomeIgnored acknowledges without doing any work.
	OutcomeIgnored Outcome = iota
	// OutcomeChallenge echoes a url_verification challenge.
	OutcomeChallenge
	// OutcomeAccepted acknowledges and schedules the background phase.
	OutcomeAccepted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeChallenge:
		return "challenge"
	case OutcomeAccepted:
		return "accepted"
	default:
		return "ignored"
	}
}

// Reasons reported with OutcomeIgnored.
const (
	ReasonUnknownEnvelope  = "unknown_envelope"
	ReasonStale            = "stale"
	ReasonDuplicate        = "duplicate"
	ReasonBotOrigin        = "bot_origin"
	ReasonNoAuthor         = "no_author"
	ReasonMentionCollision = "mention_collision"
	ReasonUnsupportedEvent = "unsupported_event"
)

// Decision is what the admission path concluded for one delivery.
type Decision struct {
	Outcome   Outcome
	Reason    string
	Challenge string
	EventID   string
	Respond   bool
}

// Forwarder delivers a request to the agent service.
type Forwarder interface {
	Forward(ctx context.Context, req models.CanonicalRequest) (models.CanonicalResponse, error)
}

// Responder posts a response back into the conversation.
type Responder interface {
	Post(ctx context.Context, resp models.CanonicalResponse) error
}

// Normalizer builds canonical requests.
type Normalizer interface {
	Normalize(ctx context.Context, ev *models.Event) models.CanonicalRequest
}

// Executor runs background work detached from the inbound request.
type Executor interface {
	Submit(name string, task dispatch.Task) error
}

// Deps are the collaborators a Gateway needs. Clock, Logger and DeadLetters
// default to the real clock, slog.Default and a LogSink.
type Deps struct {
	Cache       *eventcache.Cache
	Normalizer  Normalizer
	Forwarder   Forwarder
	Responder   Responder
	Transcripts transcript.Store
	Users       users.Resolver
	Executor    Executor
	DeadLetters deadletter.Sink
	Clock       clock.Clock
	Logger      *slog.Logger

	// BotUserID enables the mention-collision gate; empty disables it.
	BotUserID string
}

// Gateway runs admission synchronously and hands the rest to Executor.
type Gateway struct {
	cache       *eventcache.Cache
	normalizer  Normalizer
	forwarder   Forwarder
	responder   Responder
	transcripts transcript.Store
	users       users.Resolver
	exec        Executor
	deadletters deadletter.Sink
	fallback    *deadletter.LogSink
	clock       clock.Clock
	logger      *slog.Logger
	botUserID   string
}

// New wires a Gateway.
func New(d Deps) *Gateway {
	g := &Gateway{
		cache:       d.Cache,
		normalizer:  d.Normalizer,
		forwarder:   d.Forwarder,
		responder:   d.Responder,
		transcripts: d.Transcripts,
		users:       d.Users,
		exec:        d.Executor,
		deadletters: d.DeadLetters,
		clock:       d.Clock,
		logger:      d.Logger,
		botUserID:   d.BotUserID,
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.cache == nil {
		g.cache = eventcache.New(eventcache.DefaultTTL, g.clock)
	}
	g.fallback = deadletter.NewLogSink(g.logger)
	if g.deadletters == nil {
		g.deadletters = g.fallback
	}
	return g
}

// Handle runs the admission gates for a verified envelope, in order:
// challenge, envelope type, freshness, dedup, bot origin, authorship,
// mention collision, eligibility. Only OutcomeAccepted schedules work.
func (g *Gateway) Handle(env *models.Envelope) (Decision, error) {
	if env.Type == models.EnvelopeURLVerification {
		g.logger.Info("answering url verification challenge")
		return Decision{Outcome: OutcomeChallenge, Challenge: env.Challenge}, nil
	}

	if env.Type != models.EnvelopeEventCallback {
		g.logger.Warn("unknown envelope type", "type", env.Type)
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonUnknownEnvelope}, nil
	}

	ev := env.Event
	if err := ev.Validate(); err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if ev.Team == "" {
		ev.Team = env.TeamID
	}

	eventID := ev.Identity()
	log := g.logger.With("event_id", eventID)

	sent, _ := ev.Time()
	age := g.clock.Now().Sub(sent)
	if age > StaleThreshold {
		log.Info("ignoring stale event", "age_s", age.Seconds())
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonStale, EventID: eventID}, nil
	}

	// check-and-insert is one atomic step so concurrent retries cannot both pass
	if seenAgo, added := g.cache.AddIfAbsent(eventID); !added {
		log.Info("duplicate event", "first_seen_s_ago", seenAgo.Seconds())
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonDuplicate, EventID: eventID}, nil
	}

	if ev.FromBot() {
		log.Debug("ignoring bot message")
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonBotOrigin, EventID: eventID}, nil
	}

	if !ev.FromUser() {
		log.Debug("ignoring event without a human author", "subtype", ev.Subtype)
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonNoAuthor, EventID: eventID}, nil
	}

	// the same user action also arrives as app_mention; handle it there
	if ev.Type == models.EventMessage && ev.Mentions(g.botUserID) {
		log.Debug("skipping message that mentions the bot")
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonMentionCollision, EventID: eventID}, nil
	}

	if ev.Type != models.EventAppMention && ev.Type != models.EventMessage {
		log.Debug("unsupported event type", "type", ev.Type)
		return Decision{Outcome: OutcomeIgnored, Reason: ReasonUnsupportedEvent, EventID: eventID}, nil
	}

	respond := ShouldRespond(ev)
	if err := g.exec.Submit(eventID, func(ctx context.Context) {
		g.process(ctx, ev, eventID, respond)
	}); err != nil {
		log.Error("background scheduling failed", "conversation_id", ev.ConversationID(), "error", err)
	}

	log.Info("event accepted", "type", ev.Type, "respond", respond)
	return Decision{Outcome: OutcomeAccepted, EventID: eventID, Respond: respond}, nil
}

// ShouldRespond: mentions always get a reply, direct and group-direct
// messages too; plain channel messages are context only.
func ShouldRespond(ev *models.Event) bool {
	switch ev.Type {
	case models.EventAppMention:
		return true
	case models.EventMessage:
		return ev.ChannelType == models.ChannelKindDirect || ev.ChannelType == models.ChannelKindGroupDM
	default:
		return false
	}
}

// process is the background phase. Every failure is logged with the event
// identity and conversation id and ends the reply path; nothing is retried.
func (g *Gateway) process(ctx context.Context, ev *models.Event, eventID string, respond bool) {
	conversationID := ev.ConversationID()
	log := g.logger.With("event_id", eventID, "conversation_id", conversationID)

	fallback := ev.User
	if fallback == "" {
		fallback = users.Unknown
	}
	author := users.NameOrFallback(ctx, g.users, ev.User, fallback)

	msg := transcript.Message{
		Role:    transcript.RoleUser,
		Content: normalizer.CleanMentions(ev.Text),
		Name:    author,
	}
	if err := g.transcripts.Append(ctx, conversationID, msg); err != nil {
		log.Error("transcript append failed", "error", err)
		return
	}
	log.Info("message saved", "author", author)

	if !respond {
		log.Debug("context saved only")
		return
	}

	req := g.normalizer.Normalize(ctx, ev)
	log = log.With("request_id", req.ID)

	resp, err := g.forwarder.Forward(ctx, req)
	if err != nil {
		log.Error("agent forward failed", "error", err)
		g.deadLetter(ctx, log, deadletter.Record{
			Kind:           deadletter.KindBackendUnavailable,
			EventID:        eventID,
			ConversationID: conversationID,
			RequestID:      req.ID,
			Channel:        ev.Channel,
			ThreadTS:       ev.ThreadRoot(),
			Error:          err.Error(),
		})
		return
	}

	if err := g.responder.Post(ctx, resp); err != nil {
		log.Error("reply delivery failed", "error", err, "reply_channel", resp.Reply.Channel)
		g.deadLetter(ctx, log, deadletter.Record{
			Kind:           deadletter.KindDeliveryFailed,
			EventID:        eventID,
			ConversationID: conversationID,
			RequestID:      req.ID,
			Channel:        resp.Reply.Channel,
			ThreadTS:       resp.Reply.ThreadTS,
			ReplyText:      resp.Reply.Text,
			Error:          err.Error(),
		})
		return
	}

	log.Info("reply posted", "agent_status", resp.Agent.Status)
}

// deadLetter hands rec to the sink. If the sink rejects it the full record
// goes to the log instead, so the reply text survives a broker outage.
func (g *Gateway) deadLetter(ctx context.Context, log *slog.Logger, rec deadletter.Record) {
	rec.OccurredAt = g.clock.Now().UTC()
	if err := g.deadletters.Record(ctx, rec); err != nil {
		log.Error("dead letter record failed", "kind", rec.Kind, "error", err)
		_ = g.fallback.Record(ctx, rec)
	}
}
