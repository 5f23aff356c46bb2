// Package logging provides structured logging for phpunit-supervisor.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the format and verbosity of a logger.
type Config struct {
	// Format is "json" or "text". Anything else falls back to JSON.
	Format string

	// Level is "debug", "info", "warn" or "error".
	Level string

	// Verbose forces debug level and adds source locations.
	Verbose bool

	// Output defaults to os.Stderr, keeping stdout free for runner output.
	Output io.Writer
}

// New creates a structured logger from cfg.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
	}

	return slog.New(newHandler(w, cfg.Format, opts))
}

// NewLogger creates a new structured logger on stderr.
// Format should be "json" or "text".
// Level should be "debug", "info", "warn", or "error".
func NewLogger(format, level string, verbose bool) *slog.Logger {
	return New(Config{Format: format, Level: level, Verbose: verbose})
}

// NewLoggerWithWriter creates a logger that writes to a custom writer.
// Useful for testing.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
