package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()

	_, bad := tp.Tracer("test").Start(context.Background(), "bad")
	bad.SetAttributes(KeyTransferID.String("tx_1"), KeySourceAccount.Int64(7))
	Fail(bad, errors.New("ledger unavailable"))
	bad.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "ledger unavailable", spans[1].Status().Description)
	assert.Len(t, spans[1].Events(), 1, "error recorded as a span event")
	assert.Contains(t, spans[1].Attributes(), KeyTransferID.String("tx_1"))
}
