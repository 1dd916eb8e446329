// Package logging sets up the process-wide slog logger for the pairlink
// CLI. Output goes to stderr so log lines never interleave with the chat
// TUI on stdout.
package logging

import (
	"log/slog"
	"os"
)

// Init installs the default logger. Verbosity comes from LOG_LEVEL; the
// default only shows errors.
func Init() {
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: levelFromEnv(),
		}),
	)
	slog.SetDefault(logger)
}

func levelFromEnv() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
