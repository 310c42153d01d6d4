// Package logging builds the slog logger every JMS service uses.
//
// Output goes through the tint handler so field operators get readable, coloured lines on
// the console. The level comes from JMS_LOG.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel converts a JMS_LOG value. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w at the given level, tagged with the service name.
func New(w io.Writer, level, service string) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.TimeOnly,
		AddSource:  ParseLevel(level) == slog.LevelDebug,
	})
	return slog.New(handler).With("service", service)
}

// Setup builds the service logger on stderr and installs it as the slog default so
// libraries logging through slog end up in the same stream.
func Setup(level, service string) *slog.Logger {
	logger := New(os.Stderr, level, service)
	slog.SetDefault(logger)
	return logger
}

// Discard is a logger for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
