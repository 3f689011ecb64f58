package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		name string
		in   string
		leak string
	}{
		{"anthropic key", "auth failed for sk-ant-REDACTED", "sk-ant-"},
		{"openai key", "using sk-abcdefghijklmnopqrstuvwxyz123456789012", "sk-abcdef"},
		{"bearer token", "header Bearer abcdefghij1234567890XYZ", "abcdefghij1234567890"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Redact(tc.in)
			if strings.Contains(got, tc.leak) {
				t.Errorf("Redact(%q) = %q, secret survived", tc.in, got)
			}
			if !strings.Contains(got, "[REDACTED]") {
				t.Errorf("Redact(%q) = %q, no mask inserted", tc.in, got)
			}
		})
	}

	plain := "tool read_file finished in 12ms"
	if got := Redact(plain); got != plain {
		t.Errorf("Redact mangled harmless text: %q", got)
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LogLevel(in); got != want {
			t.Errorf("LogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerRedactsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("provider request failed",
		"error", "401 unauthorized for key sk-ant-REDACTED")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line not JSON: %v\n%s", err, buf.String())
	}
	errVal, _ := record["error"].(string)
	if strings.Contains(errVal, "sk-ant-") {
		t.Errorf("secret leaked into log: %q", errVal)
	}
	if !strings.Contains(errVal, "[REDACTED]") {
		t.Errorf("error attr = %q, want redaction mask", errVal)
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("invisible")
	logger.Info("also invisible")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "invisible") {
		t.Errorf("below-level records written: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
}
