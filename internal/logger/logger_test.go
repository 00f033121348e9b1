package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want slog.Level
	}{
		{raw: "debug", want: slog.LevelDebug},
		{raw: " WARN ", want: slog.LevelWarn},
		{raw: "warning", want: slog.LevelWarn},
		{raw: "error", want: slog.LevelError},
		{raw: "", want: slog.LevelInfo},
		{raw: "verbose", want: slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.raw); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	log.Debug("hidden")
	log.Info("shown", slog.String("component", "test"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) {
		t.Fatalf("expected json attribute, got %s", out)
	}
}
