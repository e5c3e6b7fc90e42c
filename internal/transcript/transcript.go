package transcript

import (
	"context"
	"errors"
	"strings"
)

// Roles a transcript message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyConversationID is returned when a caller passes no conversation id.
var ErrEmptyConversationID = errors.New("conversation id required")

// Message is one transcript line. Content is omitted when empty; Name is
// the author handle, sanitised to letters, digits and underscores.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Store is an append-only, per-conversation message log.
// Load returns messages in insertion order; an unknown conversation is empty.
type Store interface {
	Append(ctx context.Context, conversationID string, msg Message) error
	Load(ctx context.Context, conversationID string) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

var nameReplacer = strings.NewReplacer(".", "_", "-", "_")

// SanitizeName rewrites author names into the [A-Za-z0-9_] form language
// model APIs accept for the "name" field.
func SanitizeName(name string) string {
	return nameReplacer.Replace(name)
}

func validate(conversationID string, msg Message) error {
	if conversationID == "" {
		return ErrEmptyConversationID
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return errors.New("role must be user or assistant")
	}
	return nil
}
