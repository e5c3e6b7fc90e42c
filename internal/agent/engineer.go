package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PratikDhanave/agent-gateway/internal/models"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

// EngineerName is the registry key of the Engineer agent.
const EngineerName = "engineer"

// Completer produces the next assistant turn for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []transcript.Message) (string, error)
}

// Engineer answers with the full thread as context. The gateway has
// already appended the user's turn, so Engineer only reads history and
// appends its own reply.
type Engineer struct {
	name   string
	store  transcript.Store
	llm    Completer
	logger *slog.Logger
}

// NewEngineer creates the agent. An empty name means EngineerName.
func NewEngineer(name string, store transcript.Store, llm Completer, logger *slog.Logger) *Engineer {
	if name == "" {
		name = EngineerName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engineer{name: name, store: store, llm: llm, logger: logger.With("agent", name)}
}

// Name returns the name the agent signs its replies with.
func (e *Engineer) Name() string { return e.name }

func (e *Engineer) Handle(ctx context.Context, req models.CanonicalRequest) models.CanonicalResponse {
	conversationID := req.ConversationID()
	log := e.logger.With("request_id", req.ID, "conversation_id", conversationID)
	log.Info("processing request", "username", req.Source.Username, "text_len", len(req.Message.Text))

	reply, count, err := e.answer(ctx, conversationID)
	if err != nil {
		log.Error("request failed", "error", err)
		return models.CanonicalResponse{
			ID:    req.ID,
			Agent: models.AgentStatus{Name: e.name, Status: models.StatusError},
			Reply: models.Reply{
				Text:     fmt.Sprintf("Sorry, I encountered an error processing your message: %v", err),
				Channel:  req.Source.Channel,
				ThreadTS: req.Source.ThreadTS,
			},
			Meta: map[string]any{"error": err.Error()},
		}
	}

	log.Info("request completed", "reply_len", len(reply), "message_count", count)
	return models.CanonicalResponse{
		ID:    req.ID,
		Agent: models.AgentStatus{Name: e.name, Status: models.StatusCompleted},
		Reply: models.Reply{Text: reply, Channel: req.Source.Channel, ThreadTS: req.Source.ThreadTS},
		Meta: map[string]any{
			models.ContextConversationID: conversationID,
			"message_count":              count,
		},
	}
}

// answer returns the reply and the transcript length after appending it.
func (e *Engineer) answer(ctx context.Context, conversationID string) (string, int, error) {
	history, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return "", 0, fmt.Errorf("load history: %w", err)
	}

	reply, err := e.llm.Complete(ctx, history)
	if err != nil {
		return "", 0, fmt.Errorf("generate reply: %w", err)
	}

	msg := transcript.Message{Role: transcript.RoleAssistant, Content: reply, Name: e.name}
	if err := e.store.Append(ctx, conversationID, msg); err != nil {
		return "", 0, fmt.Errorf("save reply: %w", err)
	}
	return reply, len(history) + 1, nil
}
