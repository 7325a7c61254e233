package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"framefarm/internal/pkg/errors"
)

func newBufferLogger(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{
		Level:       level,
		Format:      "json",
		Output:      &buf,
		ServiceName: "test-service",
	}), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v (%s)", err, line)
	}
	return entry
}

func TestLoggerOutput(t *testing.T) {
	log, buf := newBufferLogger("debug")

	log.Info("test message", "key", "value", "elapsed", 1500*time.Millisecond)

	entry := decodeLine(t, buf)
	if entry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key='value', got %v", entry["key"])
	}
	if entry["service"] != "test-service" {
		t.Errorf("expected service='test-service', got %v", entry["service"])
	}
	if entry["elapsed"] != "1.5s" {
		t.Errorf("expected durations rendered as strings, got %v", entry["elapsed"])
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFn     func(*Logger)
		shouldLog bool
	}{
		{"info level logs info", "info", func(l *Logger) { l.Info("test") }, true},
		{"info level does not log debug", "info", func(l *Logger) { l.Debug("test") }, false},
		{"debug level logs debug", "debug", func(l *Logger) { l.Debug("test") }, true},
		{"error level does not log warn", "error", func(l *Logger) { l.Warn("test") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferLogger(tt.level)
			tt.logFn(log)

			if hasOutput := buf.Len() > 0; hasOutput != tt.shouldLog {
				t.Errorf("expected shouldLog=%v, got hasOutput=%v", tt.shouldLog, hasOutput)
			}
		})
	}
}

func TestRenderAttributes(t *testing.T) {
	log, buf := newBufferLogger("info")

	log.WithComponent("session").
		WithJobID("job-1").
		WithLease("lease-7", "provider-a").
		WithFrame(42).
		Info("frame accepted")

	entry := decodeLine(t, buf)
	want := map[string]any{
		"component": "session",
		"job_id":    "job-1",
		"lease_id":  "lease-7",
		"provider":  "provider-a",
		"frame":     float64(42),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestWithError(t *testing.T) {
	log, buf := newBufferLogger("info")

	if log.WithError(nil) != log {
		t.Error("WithError(nil) should return same logger")
	}

	log.WithError(context.DeadlineExceeded).Info("test message")
	if !strings.Contains(buf.String(), "deadline exceeded") {
		t.Errorf("expected output to contain error, got: %s", buf.String())
	}
}

func TestWithCodedError(t *testing.T) {
	log, buf := newBufferLogger("info")

	err := errors.CommandFailed("lease-1", "blender", context.Canceled)
	log.WithError(err).Error("batch failed")

	entry := decodeLine(t, buf)
	group, ok := entry["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error group, got %v", entry["error"])
	}
	if group["code"] != "COMMAND_FAILED" {
		t.Errorf("expected code COMMAND_FAILED, got %v", group["code"])
	}
	if group["lease_id"] != "lease-1" {
		t.Errorf("expected error fields to be logged, got %v", group)
	}
}

func TestFromContext(t *testing.T) {
	log, buf := newBufferLogger("info")

	ctx := ContextWithRequestID(context.Background(), "req-abc")
	ctx = ContextWithJobID(ctx, "job-xyz")

	log.FromContext(ctx).Info("test message")

	output := buf.String()
	if !strings.Contains(output, "req-abc") {
		t.Errorf("expected output to contain request_id, got: %s", output)
	}
	if !strings.Contains(output, "job-xyz") {
		t.Errorf("expected output to contain job_id, got: %s", output)
	}
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if level := ParseLevel(tt.input); level.String() != tt.expected {
				t.Errorf("ParseLevel(%q) = %s, expected %s", tt.input, level.String(), tt.expected)
			}
		})
	}
}
