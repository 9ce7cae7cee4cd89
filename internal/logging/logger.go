// Package logging provides structured logging for the store and the reload
// pipeline, backed by log/slog. Components log through the Logger interface
// so callers can substitute their own sink.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logging interface used throughout the module.
// Fields are alternating key/value pairs as in slog.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...any)
	Info(ctx context.Context, msg string, fields ...any)
	Warn(ctx context.Context, err error, msg string, fields ...any)
	Error(ctx context.Context, err error, msg string, fields ...any)
	With(fields ...any) Logger
	WithComponent(component string) Logger
}

// Config controls handler construction.
type Config struct {
	Level     slog.Level
	Format    string // "json" or "text"
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultConfig logs text to stderr at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

type slogLogger struct {
	logger    *slog.Logger
	component string
}

// New builds a Logger from config. A nil config uses DefaultConfig.
func New(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &slogLogger{
		logger:    slog.New(handler),
		component: config.Component,
	}
}

// FromSlog wraps an existing slog logger so callers can plug in the sink
// they already have. A nil logger discards everything.
func FromSlog(logger *slog.Logger) Logger {
	if logger == nil {
		return Discard()
	}

	return &slogLogger{logger: logger}
}

// Discard returns a logger that drops everything. It is the default for
// embedded use so the library stays silent unless the caller opts in.
func Discard() Logger {
	return &slogLogger{
		logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
	}
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, err error, msg string, fields ...any) {
	if !l.logger.Enabled(ctx, level) {
		return
	}

	if l.component != "" {
		fields = append(fields, "component", l.component)
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}

	l.logger.Log(ctx, level, msg, fields...)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, fields ...any) {
	l.log(ctx, slog.LevelDebug, nil, msg, fields...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, fields ...any) {
	l.log(ctx, slog.LevelInfo, nil, msg, fields...)
}

func (l *slogLogger) Warn(ctx context.Context, err error, msg string, fields ...any) {
	l.log(ctx, slog.LevelWarn, err, msg, fields...)
}

func (l *slogLogger) Error(ctx context.Context, err error, msg string, fields ...any) {
	l.log(ctx, slog.LevelError, err, msg, fields...)
}

func (l *slogLogger) With(fields ...any) Logger {
	return &slogLogger{
		logger:    l.logger.With(fields...),
		component: l.component,
	}
}

func (l *slogLogger) WithComponent(component string) Logger {
	return &slogLogger{
		logger:    l.logger,
		component: component,
	}
}
