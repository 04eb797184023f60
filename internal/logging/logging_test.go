package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Out: &buf, App: "coord"})

	logger.Debug().Str("key", "db:users").Msg("acquired")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["app"] != "coord" || line["key"] != "db:users" || line["message"] != "acquired" {
		t.Errorf("Unexpected log line: %v", line)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Out: &buf})

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("Level filter not applied: %q", buf.String())
	}
}

func TestNew_EnvOverride(t *testing.T) {
	t.Setenv("COORD_LOG_LEVEL", "error")
	t.Setenv("COORD_LOG_FORMAT", "json")

	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "console", Out: &buf})
	logger.Warn().Msg("quiet")
	logger.Error().Msg("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.HasPrefix(out, "{") {
		t.Errorf("Env overrides not applied: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
