package logging

import (
	"log/slog"
	"os"
)

// Logger is a thin wrapper over slog writing structured key-value lines to
// the console.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}
