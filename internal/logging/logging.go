package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init builds a logger writing to stderr, installs it as the slog default
// and returns it. format "text" selects the human-readable handler; anything
// else produces JSON lines.
func Init(format string, level slog.Level) *slog.Logger {
	logger := New(os.Stderr, format, level)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w without touching the slog default.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to slog.Level.
// Unknown strings default to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
