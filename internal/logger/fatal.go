package logger

import (
	"log/slog"
	"os"
)

// FatalWithLogger reports an unrecoverable bootstrap error and exits. Only
// called before the gateway starts serving, when there is nothing to tear
// down yet.
func FatalWithLogger(log *slog.Logger, msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}

// Fatal is FatalWithLogger on the process default logger.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
