// Package slogger provides structured logging for buildrun using Go's slog
// with charmbracelet/log as the handler.
package slogger

import (
	"context"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type contextKey string

const loggerKey contextKey = "logger"

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds logger configuration.
type Config struct {
	// Verbosity controls log level:
	// 0 (default) -> Error only
	// 1 (-v)      -> Info level
	// 2+ (-vv)    -> Debug level
	Verbosity int

	// Format selects the charm formatter: "text" (default) or "json".
	Format string

	// Output is the writer for log output. Defaults to os.Stderr.
	Output io.Writer

	// Prefix is printed before every text-formatted record.
	Prefix string
}

// New creates a new slog.Logger with charmbracelet/log as the handler.
func New(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	formatter := charmlog.TextFormatter
	if cfg.Format == FormatJSON {
		formatter = charmlog.JSONFormatter
	}

	handler := charmlog.NewWithOptions(output, charmlog.Options{
		Level:           Level(cfg.Verbosity),
		Formatter:       formatter,
		Prefix:          cfg.Prefix,
		ReportTimestamp: cfg.Format == FormatJSON,
		ReportCaller:    false,
	})

	return slog.New(handler)
}

// Level maps a -v count to a charm log level.
func Level(verbosity int) charmlog.Level {
	switch {
	case verbosity >= 2:
		return charmlog.DebugLevel
	case verbosity == 1:
		return charmlog.InfoLevel
	default:
		return charmlog.ErrorLevel
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context.
// Returns a discarding logger if none is set (never returns nil).
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return Discard()
}

// L is a convenience alias for FromContext.
func L(ctx context.Context) *slog.Logger {
	return FromContext(ctx)
}
