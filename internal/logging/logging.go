// Package logging wraps log/slog behind a small categorized interface,
// matching the info/warn/error(category, message) shape the original
// implementation used in place of exceptions for control flow.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the categorized logging surface every component receives
// instead of reaching for a global logger directly.
type Logger interface {
	Info(category, message string, args ...any)
	Warn(category, message string, args ...any)
	Error(category, message string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a Logger backed by slog's text handler on stderr, matching
// the teacher's controller.go default.
func New(nodeID string) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &slogLogger{l: slog.New(h).With("node", nodeID)}
}

// NewWithHandler builds a Logger around a caller-supplied slog.Handler,
// used by tests to capture output.
func NewWithHandler(h slog.Handler) Logger {
	return &slogLogger{l: slog.New(h)}
}

func (s *slogLogger) Info(category, message string, args ...any) {
	s.l.Info(message, append([]any{"category", category}, args...)...)
}

func (s *slogLogger) Warn(category, message string, args ...any) {
	s.l.Warn(message, append([]any{"category", category}, args...)...)
}

func (s *slogLogger) Error(category, message string, args ...any) {
	s.l.Error(message, append([]any{"category", category}, args...)...)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}
