package logger

import (
	"log/slog"
	"os"
)

// NewDefault builds the process-wide logger. Level is read from
// LOG_LEVEL (debug, info, warn, error); anything else means info.
func NewDefault() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
