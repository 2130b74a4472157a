// Package observability wires the process-wide telemetry: structured
// logging, Prometheus instruments, and optional OTLP tracing.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger: JSON to stderr at the given level.
// Unknown level strings fall back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
