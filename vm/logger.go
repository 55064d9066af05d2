package vm

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates a text logger writing to w at the given level. An
// unknown level falls back to info and is reported once as a warning.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl, err := parseLogLevel(level)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
	}))
	if err != nil {
		logger.Warn(err.Error())
	}
	return logger
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q, using info", level)
	}
}

// discardLogger drops every record
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
