package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger and installs it as slog's default.
// format "pretty" selects the colored text handler for local dev; anything else is JSON.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, level, format, os.Getenv("NO_COLOR") == ""))
	slog.SetDefault(log)
	return log
}

func newLogHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		return newPrettyHandler(w, opts, color)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
