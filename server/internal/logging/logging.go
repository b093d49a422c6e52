// Package logging builds the process-wide slog logger. The level lives in a
// slog.LevelVar so a config reload can change it without rebuilding handlers.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Level is the shared level of the default logger.
var Level = new(slog.LevelVar)

// Init installs a JSON handler writing to w as the default logger, at level.
func Init(w io.Writer, level string) *slog.Logger {
	Level.Set(ParseLevel(level))
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level}))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of every logger built by Init. It reports
// whether the level actually changed.
func SetLevel(level string) bool {
	l := ParseLevel(level)
	if Level.Level() == l {
		return false
	}
	Level.Set(l)
	return true
}

// ParseLevel converts "debug", "info", "warn" or "error" to a slog.Level.
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
