// v0
// internal/logging/logging.go

// Package logging builds the process logger: text records fanned out to
// stdout and a log file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures New.
type Options struct {
	Path  string
	Level slog.Level
	// Stdout overrides the console writer.
	Stdout io.Writer
}

// New builds a logger writing to stdout and to the file at Path. When the
// file cannot be opened the logger writes to stdout only and records why.
// The returned closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer) {
	console := opts.Stdout
	if console == nil {
		console = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: opts.Level}
	consoleHandler := slog.NewTextHandler(console, ho)

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return slog.New(consoleHandler), nopCloser{}
	}
	path = filepath.Clean(path)
	f, err := openLogFile(path)
	if err != nil {
		logger := slog.New(consoleHandler)
		logger.Warn("log_file_unavailable", slog.String("path", path), slog.Any("err", err))
		return logger, nopCloser{}
	}
	fileHandler := slog.NewTextHandler(f, ho)
	return slog.New(&teeHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}), f
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Component scopes a logger to a named component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// ParseLevel maps debug/info/warn/error to a level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		next = append(next, h.WithAttrs(attrs))
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		next = append(next, h.WithGroup(name))
	}
	return &teeHandler{handlers: next}
}
