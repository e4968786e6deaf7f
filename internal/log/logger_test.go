package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer, component string) *Logger {
	return New(Config{Level: slog.LevelDebug, Component: component, Output: buf})
}

func TestLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, ComponentLedger)

	logger.Info("Expense recorded", FieldEntryID, "e1")

	out := buf.String()
	if !strings.Contains(out, "component=ledger") {
		t.Errorf("expected component in %q", out)
	}
	if !strings.Contains(out, "entry_id=e1") {
		t.Errorf("expected entry_id in %q", out)
	}
}

func TestLoggerWithKeepsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, ComponentHTTP).With(FieldRequestID, "req_1")

	logger.Warn("slow")

	out := buf.String()
	if !strings.Contains(out, "component=http") || !strings.Contains(out, "request_id=req_1") {
		t.Errorf("unexpected output %q", out)
	}
	if got := logger.WithComponent(ComponentCache).Component(); got != ComponentCache {
		t.Errorf("Component() = %q, want cache", got)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Component: ComponentApp, JSON: true, Output: &buf})

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, `"component":"app"`) {
		t.Errorf("expected JSON component in %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	logger := Discard().WithComponent(ComponentHTTP)
	ctx := context.WithValue(context.Background(), LoggerContextKey, logger)

	if got := FromContext(ctx); got != logger {
		t.Error("expected the logger stored in the context")
	}
	if got := FromContext(context.Background()); got == nil || got.Component() != "unknown" {
		t.Errorf("expected fallback logger, got %+v", got)
	}
}

func TestLogHTTPEndLevels(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "level=INFO"},
		{404, "level=WARN"},
		{503, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(slog.IntValue(tt.status).String(), func(t *testing.T) {
			var buf bytes.Buffer
			sl := NewStructuredLogger(newBufferLogger(&buf, ComponentTrace))
			r := httptest.NewRequest("GET", "/groups/g1/ledger?x=1", nil)

			sl.LogHTTPEnd(context.Background(), r, tt.status, 12, "203.0.113.7")

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %s in %q", tt.want, out)
			}
			for _, want := range []string{"path=/groups/g1/ledger", "client_ip=203.0.113.7", "duration_ms=12"} {
				if !strings.Contains(out, want) {
					t.Errorf("expected %s in %q", want, out)
				}
			}
		})
	}
}

func TestLogInconsistency(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(newBufferLogger(&buf, ComponentLedger))

	sl.LogInconsistency(context.Background(), "record", "g1", "u1", "e1", errors.New("balance write failed"))

	out := buf.String()
	for _, want := range []string{"level=ERROR", "group_id=g1", "user_id=u1", "entry_id=e1", "operation=record", `error="balance write failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %q", want, out)
		}
	}
}
