package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/example/go-tokend/internal/dispatch"
	"github.com/example/go-tokend/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(name string) slog.Handler       { return c }

func (c *capturingHandler) attrMap(idx int) map[string]any {
	m := make(map[string]any)
	c.records[idx].Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func TestCount_LogsOpEncodingAndInputLen(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(newTinyTokenizer(t), server.WithLogger(slog.New(capture)))

	rec := post(t, h, "/count", `{"text":"Hello world."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	if len(capture.records) == 0 {
		t.Fatal("want at least one log record, got none")
	}

	last := len(capture.records) - 1
	if capture.records[last].Level != slog.LevelInfo {
		t.Errorf("level = %v; want INFO", capture.records[last].Level)
	}

	attrs := capture.attrMap(last)
	if attrs["op"] != "count" {
		t.Errorf("op = %v; want count", attrs["op"])
	}

	if attrs["encoding"] != "cl100k" {
		t.Errorf("encoding = %v; want cl100k", attrs["encoding"])
	}

	if attrs["input_len"] != int64(12) {
		t.Errorf("input_len = %v (%T); want 12", attrs["input_len"], attrs["input_len"])
	}

	if _, ok := attrs["duration_ms"]; !ok {
		t.Error("want duration_ms attribute")
	}
}

func TestCount_SaturationLogsWarn(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(&stubTokenizer{err: dispatch.ErrServiceSaturated}, server.WithLogger(slog.New(capture)))

	post(t, h, "/count", `{"text":"x"}`)

	if len(capture.records) != 1 {
		t.Fatalf("want 1 record, got %d", len(capture.records))
	}

	if capture.records[0].Level != slog.LevelWarn {
		t.Errorf("level = %v; want WARN", capture.records[0].Level)
	}

	if capture.attrMap(0)["status"] != int64(http.StatusServiceUnavailable) {
		t.Errorf("status attr = %v", capture.attrMap(0)["status"])
	}
}

func TestCount_WorkerTerminatedLogsError(t *testing.T) {
	capture := &capturingHandler{}
	h := server.NewHandler(&stubTokenizer{err: dispatch.ErrWorkerTerminated}, server.WithLogger(slog.New(capture)))

	post(t, h, "/count", `{"text":"x"}`)

	if len(capture.records) != 1 || capture.records[0].Level != slog.LevelError {
		t.Fatalf("want one ERROR record, got %d records", len(capture.records))
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := server.ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
		}

		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}
