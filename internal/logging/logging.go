// Package logging builds slog loggers and carries request-scoped loggers
// through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// New returns a logger on stdout. See NewWithWriter.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a JSON logger when format is "json" and a text
// logger otherwise. Debug level also records source locations.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel accepts slog level names in any case, including offsets such
// as "warn+2". Anything unparseable is info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Component tags logger with the emitting subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by WithLogger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger annotated with the request id and, when a
// span is recording, its trace and span ids.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
