package logging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "relay-api",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

// captureOutput captures stdout while fn runs.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = orig
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured output: %v", err)
	}
	return string(out)
}

func TestLogEntryJSONShape(t *testing.T) {
	logger := New("relay-worker")

	out := captureOutput(t, func() {
		logger.Plain().
			WithTenant("t-1").
			WithEvent("ev-1").
			WithPlatform("meta_capi").
			WithField("attempt", 2).
			Info("dispatch complete")
	})

	var entry map[string]any
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, out)
	}

	want := map[string]string{
		"level":     "info",
		"msg":       "dispatch complete",
		"service":   "relay-worker",
		"tenant_id": "t-1",
		"event_id":  "ev-1",
		"platform":  "meta_capi",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, entry[k], v)
		}
	}

	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["attempt"] != float64(2) {
		t.Errorf("fields = %v, want attempt=2", entry["fields"])
	}
}

func TestEmptyFieldsOmitted(t *testing.T) {
	out := captureOutput(t, func() {
		New("relay-api").Plain().Info("started")
	})

	var entry map[string]any
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, out)
	}
	if _, present := entry["fields"]; present {
		t.Errorf("empty fields should be omitted, got %v", entry["fields"])
	}
	if _, present := entry["trace_id"]; present {
		t.Errorf("trace_id should be omitted without a span, got %v", entry["trace_id"])
	}
}

func TestWithError(t *testing.T) {
	out := captureOutput(t, func() {
		New("relay-worker").Plain().WithError(errors.New("boom")).Error("dispatch failed")
	})

	var entry map[string]any
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, out)
	}
	fields := entry["fields"].(map[string]any)
	if fields["error"] != "boom" {
		t.Errorf("error field = %v, want boom", fields["error"])
	}
	if entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
}

func TestWithContextTraceCorrelation(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	entry := New("relay-api").WithContext(ctx)
	if entry.TraceID == "" {
		t.Error("WithContext() should carry the trace id from an active span")
	}
	if entry.TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("trace id = %q, want %q", entry.TraceID, span.SpanContext().TraceID().String())
	}

	plain := New("relay-api").WithContext(context.Background())
	if plain.TraceID != "" {
		t.Errorf("trace id without span = %q, want empty", plain.TraceID)
	}
}
