package models

import "errors"

// Agent completion states reported in CanonicalResponse.Agent.Status.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ContextConversationID is the context key every CanonicalRequest carries.
const ContextConversationID = "conversation_id"

// Source describes where a request originated.
type Source struct {
	Platform  string `json:"platform"`
	Workspace string `json:"workspace"`
	Channel   string `json:"channel"`
	ThreadTS  string `json:"thread_ts"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// AgentRef names the agent a request targets.
type AgentRef struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// RequestMessage holds the cleaned text and the original text.
type RequestMessage struct {
	Text    string `json:"text"`
	RawText string `json:"raw_text"`
}

// CanonicalRequest is the platform-independent request sent to the agent service.
type CanonicalRequest struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Source    Source         `json:"source"`
	Agent     AgentRef       `json:"agent"`
	Message   RequestMessage `json:"message"`
	Context   map[string]any `json:"context"`
}

// ConversationID returns the conversation id stored in Context, if any.
func (r CanonicalRequest) ConversationID() string {
	s, _ := r.Context[ContextConversationID].(string)
	return s
}

// Validate fails closed on any field the agent service cannot work without.
func (r CanonicalRequest) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("id required")
	case r.Agent.Name == "":
		return errors.New("agent.name required")
	case r.Source.Channel == "":
		return errors.New("source.channel required")
	case r.ConversationID() == "":
		return errors.New("context.conversation_id required")
	}
	return nil
}

// AgentStatus reports which agent answered and how it finished.
type AgentStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Reply is the text to post and where to post it.
type Reply struct {
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// CanonicalResponse answers exactly one CanonicalRequest; ID echoes the request id.
type CanonicalResponse struct {
	ID    string         `json:"id"`
	Agent AgentStatus    `json:"agent"`
	Reply Reply          `json:"reply"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Validate fails closed on a response that cannot be delivered.
func (r CanonicalResponse) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("id required")
	case r.Agent.Status != StatusCompleted && r.Agent.Status != StatusError:
		return errors.New("agent.status must be completed or error")
	case r.Reply.Channel == "":
		return errors.New("reply.channel required")
	}
	return nil
}
