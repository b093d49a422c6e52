package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInit_JSONAndRuntimeLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := Init(&buf, "info")

	logger.Debug("hidden")
	logger.Info("ingest: accepted", "key", "0x103")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at info, got %d: %s", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v\noutput: %s", err, lines[0])
	}
	if m["msg"] != "ingest: accepted" || m["key"] != "0x103" {
		t.Errorf("unexpected record: %v", m)
	}

	if !SetLevel("debug") {
		t.Error("SetLevel(debug): got false, want true")
	}
	if SetLevel("debug") {
		t.Error("SetLevel(debug) twice: got true, want false")
	}
	buf.Reset()
	slog.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug record missing after SetLevel: %q", buf.String())
	}
}
