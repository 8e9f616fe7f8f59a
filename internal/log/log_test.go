package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	t.Setenv("GO_ENV", "")
	t.Setenv("VRGAZE_LOG_FORMAT", "")

	var buf bytes.Buffer
	l := New("warn", &buf)
	l.Info("hidden")
	l.Warn("shown", "component", "gaze")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=gaze") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestNewJSON(t *testing.T) {
	t.Setenv("VRGAZE_LOG_FORMAT", "json")

	var buf bytes.Buffer
	New("info", &buf).Info("hello", "tick", 3)

	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"tick":3`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}
