package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/PratikDhanave/agent-gateway/internal/models"
)

// ErrAgentNotFound matches every *NotFoundError.
var ErrAgentNotFound = errors.New("agent not found")

// NotFoundError names the agent a request asked for.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrAgentNotFound
}

// Handler answers one canonical request. Failures inside the agent are
// reported through the response status, so Handle has no error return.
type Handler interface {
	Handle(ctx context.Context, req models.CanonicalRequest) models.CanonicalResponse
}

// Registry maps agent names to handlers. It is built once at startup
// and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies agents so later changes to the map have no effect.
func NewRegistry(agents map[string]Handler) *Registry {
	handlers := make(map[string]Handler, len(agents))
	for name, h := range agents {
		handlers[name] = h
	}
	return &Registry{handlers: handlers}
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return h, nil
}

// Names lists registered agents in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
