package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
)

// DefaultBaseURL is the platform's Web API root.
const DefaultBaseURL = "https://slack.com/api"

const defaultTimeout = 15 * time.Second

// APIError is a failed Web API call: either a non-2xx HTTP status or an
// {"ok": false, "error": code} answer.
type APIError struct {
	Method     string
	StatusCode int
	Code       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("slack %s: HTTP %d", e.Method, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// Client wraps the Web API SDK behind the three calls the gateway makes,
// authenticated with a bot token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	api        *slackapi.Client
}

// Option configures Client behavior.
type Option func(*Client)

// WithBaseURL points the client at another API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP client timeout. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the given bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	// the SDK joins endpoint and method without a separator
	c.api = slackapi.New(token,
		slackapi.OptionAPIURL(c.baseURL+"/"),
		slackapi.OptionHTTPClient(c.httpClient),
	)
	return c
}

// AuthTest returns the user id the bot token belongs to.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", apiError("auth.test", err)
	}
	return resp.UserID, nil
}

// ResolveName returns the handle of userID via users.info.
func (c *Client) ResolveName(ctx context.Context, userID string) (string, error) {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", apiError("users.info", err)
	}
	if user.Name == "" {
		return "", &APIError{Method: "users.info", StatusCode: http.StatusOK, Code: "user_name_missing"}
	}
	return user.Name, nil
}

// PostMessage posts text into channel, threaded under threadTS when set.
// Exactly one attempt; no retries.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string) error {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}
	if _, _, err := c.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return apiError("chat.postMessage", err)
	}
	return nil
}

// apiError maps SDK failures onto APIError. Transport errors keep their
// own type so context cancellation stays visible to errors.Is.
func apiError(method string, err error) error {
	var platform slackapi.SlackErrorResponse
	if errors.As(err, &platform) {
		return &APIError{Method: method, StatusCode: http.StatusOK, Code: platform.Err, Err: err}
	}
	var status slackapi.StatusCodeError
	if errors.As(err, &status) {
		return &APIError{Method: method, StatusCode: status.Code, Err: err}
	}
	var limited *slackapi.RateLimitedError
	if errors.As(err, &limited) {
		return &APIError{Method: method, StatusCode: http.StatusTooManyRequests, Code: "ratelimited", Err: err}
	}
	return fmt.Errorf("slack %s: %w", method, err)
}
