package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	// model calls on flex tiers can take minutes
	DefaultTimeout = 900 * time.Second
)

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports an HTTP 429.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// OpenAI talks to any server implementing the chat completions wire format.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	system     string
	httpClient *http.Client
}

// Option configures OpenAI.
type Option func(*OpenAI)

// WithBaseURL points the client at another compatible server.
func WithBaseURL(u string) Option {
	return func(o *OpenAI) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithModel selects the model. Default: gpt-4o-mini.
func WithModel(m string) Option {
	return func(o *OpenAI) {
		if m != "" {
			o.model = m
		}
	}
}

// WithSystemPrompt prepends a system message to every call.
func WithSystemPrompt(s string) Option {
	return func(o *OpenAI) { o.system = s }
}

// WithTimeout bounds each call. Default: 900s.
func WithTimeout(d time.Duration) Option {
	return func(o *OpenAI) {
		if d > 0 {
			o.httpClient.Timeout = d
		}
	}
}

// NewOpenAI creates a client authenticated with apiKey.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	o := &OpenAI{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Model returns the configured model name.
func (o *OpenAI) Model() string { return o.model }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Complete sends the conversation and returns the trimmed reply text.
func (o *OpenAI) Complete(ctx context.Context, messages []transcript.Message) (string, error) {
	body, err := json.Marshal(o.buildRequest(messages))
	if err != nil {
		return "", fmt.Errorf("llm: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readAPIError(resp)
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (o *OpenAI) buildRequest(messages []transcript.Message) wireRequest {
	wr := wireRequest{Model: o.model}
	if o.system != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: o.system})
	}
	for _, m := range messages {
		wr.Messages = append(wr.Messages, wireMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    transcript.SanitizeName(m.Name),
		})
	}
	return wr
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		apiErr.Type = payload.Error.Type
		apiErr.Message = payload.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
