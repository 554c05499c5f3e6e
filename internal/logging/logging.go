// Package logging configures the service's structured logger.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New builds the service's root slog.Logger (no component attribute is
// attached). In daemon mode output is plain
// JSON (for log-shipping); in interactive mode it is colorized text via tint,
// matching what a developer sees when running the binary directly.
func New(level string, daemon bool) *slog.Logger {
	var handler slog.Handler
	lvl := parseLevel(level)

	if daemon {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05",
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
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
