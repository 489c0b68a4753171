package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func jsonLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLoggerDefaultsToJSONInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Debug("dropped")
	logger.Info("kept", "entity_id", "coder")

	lines := jsonLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0]["msg"] != "kept" || lines[0]["entity_id"] != "coder" {
		t.Fatalf("unexpected log line: %v", lines[0])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	logger.Info("bot started", "entity_id", "coder")
	if !strings.Contains(buf.String(), "entity_id=coder") {
		t.Fatalf("expected text-format output, got %q", buf.String())
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "error", Output: &buf})

	logger.Info("hidden")
	logger.Warn("hidden too")
	logger.Error("visible")

	lines := jsonLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "visible" {
		t.Fatalf("expected only the error line, got %v", lines)
	}
}

func TestRedactsMatrixAccessToken(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info("login", "token", "syt_Y29kZXI_abcdefghij0123456789")

	out := buf.String()
	if strings.Contains(out, "syt_") {
		t.Fatalf("expected Matrix token redacted, got %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", out)
	}
}

func TestRedactsProviderKeysInMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	key := "sk-ant-" + strings.Repeat("a", 100)
	logger.Error("provider rejected key " + key)

	if strings.Contains(buf.String(), key) {
		t.Fatalf("expected API key redacted, got %q", buf.String())
	}
}

func TestRedactsErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	err := errors.New("request failed: api_key=0123456789abcdef0123")
	logger.Warn("llm call failed", "error", err)

	if strings.Contains(buf.String(), "0123456789abcdef0123") {
		t.Fatalf("expected key inside error redacted, got %q", buf.String())
	}
}

func TestRedactsWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	derived := logger.With("note", "password=supersecretvalue")
	derived.WithGroup("session").Info("started", "token", "bearer: abcdefghijklmnopqrst")

	out := buf.String()
	if strings.Contains(out, "supersecretvalue") || strings.Contains(out, "abcdefghijklmnopqrst") {
		t.Fatalf("expected derived-logger attrs redacted, got %q", out)
	}
}

func TestRedactCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`internal-[0-9]+`}})

	logger.Info("linked", "ref", "internal-12345")
	if strings.Contains(buf.String(), "internal-12345") {
		t.Fatalf("expected custom pattern redacted, got %q", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
