package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "cluster.acquire")
	End(span, errors.New("no devices"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "cluster.acquire", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "mgcluster"})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
