package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"warn+2":  slog.LevelWarn + 2,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNewWithWriter_Format(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "JSON").Info("scored", "node", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scored", rec["msg"])
	assert.EqualValues(t, 42, rec["node"])
	assert.NotContains(t, rec, "source", "source only at debug")

	buf.Reset()
	NewWithWriter(&buf, "error", "text").Info("suppressed")
	assert.Empty(t, buf.String())
}

func TestNewWithWriter_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "debug", "json").Debug("detail")
	assert.Contains(t, buf.String(), `"source"`)
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter(&buf, "info", "text"), "scorer").Info("up")
	assert.Contains(t, buf.String(), "component=scorer")

	assert.NotNil(t, Component(nil, "fallback"))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Same(t, slog.Default(), FromContext(ctx))

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")
	ctx = WithRequestID(WithLogger(ctx, logger), "req-1")
	ctx = WithRequestID(ctx, "req-2")

	assert.Equal(t, "req-2", RequestID(ctx))
	assert.Same(t, logger, FromContext(ctx))

	L(ctx).Info("handled")
	assert.Contains(t, buf.String(), "request_id=req-2")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestL_AddsTraceIDs(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = trace.ContextWithSpanContext(ctx, sc)

	L(ctx).Info("traced")
	assert.Contains(t, buf.String(), "trace_id=4bf92f3577b34da6a3ce929d0e0e4736")
	assert.Contains(t, buf.String(), "span_id=00f067aa0ba902b7")
	assert.NotContains(t, buf.String(), "request_id")
}
