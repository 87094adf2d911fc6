package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "govcore", cfg.ServiceName)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.False(t, cfg.Enabled)
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackCallRecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p := Noop()
	p.tracer = tp.Tracer("test")

	_, done := p.TrackCall(context.Background(), "gateway.invoke", attribute.String("govcore.tool", "fetch"))
	done("failure", "TOOL_TIMEOUT")

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "gateway.invoke", spans[0].Name())
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "govcore.error_code" {
			found = true
			require.Equal(t, "TOOL_TIMEOUT", kv.Value.AsString())
		}
	}
	require.True(t, found)
}
