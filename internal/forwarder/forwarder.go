package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/PratikDhanave/agent-gateway/internal/models"
)

// DefaultTimeout bounds one forward attempt end to end.
const DefaultTimeout = 120 * time.Second

const invokePath = "/agent/invoke"

// ErrBackendUnavailable covers every way the agent service can fail us:
// transport error, timeout, non-2xx status, an undecodable or invalid body,
// or an open circuit. It is terminal for the event's reply path.
var ErrBackendUnavailable = errors.New("agent backend unavailable")

// Client forwards CanonicalRequests to the agent service. One attempt per call.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout. Default: 120s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAPIKey sends X-API-Key on every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker opens the circuit after the given number of consecutive
// failures; while open, calls fail fast with ErrBackendUnavailable.
// cooldown is how long the circuit stays open before a trial call.
// failures <= 0 disables the breaker.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(c *Client) {
		if failures <= 0 {
			c.breaker = nil
			return
		}
		threshold := uint32(failures)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "agent-backend",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// New creates a Client targeting baseURL (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forward posts req to {baseURL}/agent/invoke and returns the validated response.
func (c *Client) Forward(ctx context.Context, req models.CanonicalRequest) (models.CanonicalResponse, error) {
	if c.breaker == nil {
		return c.forward(ctx, req)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.forward(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.CanonicalResponse{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return models.CanonicalResponse{}, err
	}
	return out.(models.CanonicalResponse), nil
}

func (c *Client) forward(ctx context.Context, req models.CanonicalRequest) (models.CanonicalResponse, error) {
	var zero models.CanonicalResponse

	body, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("%w: marshal: %w", ErrBackendUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+invokePath, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("%w: build request: %w", ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return zero, fmt.Errorf("%w: HTTP %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out models.CanonicalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("%w: decode: %w", ErrBackendUnavailable, err)
	}
	if err := out.Validate(); err != nil {
		return zero, fmt.Errorf("%w: invalid response: %w", ErrBackendUnavailable, err)
	}
	if out.ID != req.ID {
		return zero, fmt.Errorf("%w: response id %q does not match request %q", ErrBackendUnavailable, out.ID, req.ID)
	}
	return out, nil
}
