// Package observability provides structured logging and prometheus metrics
// for the job execution core.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with sensitive data redaction.
// Built on log/slog: JSON output for production, text for development.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text". JSON is the production default.
	Format string `yaml:"format"`

	// Output defaults to os.Stdout.
	Output io.Writer `yaml:"-"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
}

// defaultRedactPatterns covers credentials that must never reach a log line.
var defaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
}

// NewLogger creates a structured logger. Empty config fields get defaults:
// info level, json format, stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, pattern := range defaultRedactPatterns {
		redacts = append(redacts, regexp.MustCompile(pattern))
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NopLogger returns a logger that discards everything. Used in tests.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// With returns a logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(l.redactArgs(args)...), redacts: l.redacts}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, l.redactArgs(args)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.redactArgs(args)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, l.redactArgs(args)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, l.redactArgs(args)...)
}

// InfoContext logs at info level with context (reserved for trace wiring).
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, l.redactArgs(args)...)
}

func (l *Logger) redactArgs(args []any) []any {
	for i := 1; i < len(args); i += 2 {
		if s, ok := args[i].(string); ok {
			args[i] = l.redact(s)
		}
	}
	return args
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Redact applies the logger's redaction patterns to an arbitrary string.
func (l *Logger) Redact(v any) string {
	return l.redact(fmt.Sprint(v))
}
