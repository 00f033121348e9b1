package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// L is the process-wide logger configured by Init.
var L = slog.Default()

// Init configures L and the slog default from the log section of the config.
// Unknown levels fall back to info, unknown formats to text.
func Init(level, format string) {
	L = New(os.Stdout, level, format)
	slog.SetDefault(L)
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
