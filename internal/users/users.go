package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Unknown is the sentinel name used when a lookup fails and no better fallback exists.
const Unknown = "unknown"

// ErrLookupFailed wraps every resolver failure. It is never surfaced to webhook callers.
var ErrLookupFailed = errors.New("user lookup failed")

// Resolver maps a platform user id to a display name.
type Resolver interface {
	ResolveName(ctx context.Context, userID string) (string, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, userID string) (string, error)

func (f ResolverFunc) ResolveName(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// NameOrFallback resolves userID and degrades to fallback on any failure.
func NameOrFallback(ctx context.Context, r Resolver, userID, fallback string) string {
	if r == nil || userID == "" {
		return fallback
	}
	name, err := r.ResolveName(ctx, userID)
	if err != nil || name == "" {
		return fallback
	}
	return name
}

// Cache is a thread-safe LRU in front of a Resolver. Only successful
// lookups are cached so a transient failure is retried on the next event.
type Cache struct {
	next  Resolver
	cache *lru.Cache[string, string]
}

// NewCache wraps next with an LRU of the given size.
func NewCache(next Resolver, size int) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("users: lru: %w", err)
	}
	return &Cache{next: next, cache: c}, nil
}

// ResolveName returns the cached name or asks the wrapped resolver.
func (c *Cache) ResolveName(ctx context.Context, userID string) (string, error) {
	if name, ok := c.cache.Get(userID); ok {
		return name, nil
	}
	name, err := c.next.ResolveName(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrLookupFailed, userID, err)
	}
	c.cache.Add(userID, name)
	return name, nil
}

// Logging decorates a Resolver with failure logging.
type Logging struct {
	next   Resolver
	logger *slog.Logger
}

// NewLogging wraps next so every failed lookup is logged once.
func NewLogging(next Resolver, logger *slog.Logger) *Logging {
	return &Logging{next: next, logger: logger}
}

func (l *Logging) ResolveName(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	name, err := l.next.ResolveName(ctx, userID)
	if err != nil {
		l.logger.Warn("user lookup failed",
			"user_id", userID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return name, err
}
