package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tests here replace the global provider and must not run in parallel.

func TestInitTracerProviderInstallsPropagator(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, "videre-test", "v0.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	spanCtx, span := otel.Tracer("test").Start(ctx, "op")
	defer span.End()
	require.True(t, span.SpanContext().IsSampled())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.Contains(t, carrier, "traceparent")
}

func TestInitTracerProviderZeroRatioDropsRootSpans(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, "videre-test", "v0.0.0", WithSampleRatio(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := tp.Tracer("test").Start(ctx, "op")
	defer span.End()
	require.False(t, span.SpanContext().IsSampled())
	require.True(t, span.SpanContext().IsValid())
}

func TestRootSampler(t *testing.T) {
	t.Parallel()

	require.Equal(t, sdktrace.AlwaysSample().Description(), rootSampler(2).Description())
	require.Equal(t, sdktrace.NeverSample().Description(), rootSampler(-1).Description())
	require.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), rootSampler(0.25).Description())
}
