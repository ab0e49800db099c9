// Package telemetry configures OpenTelemetry tracing for the relay.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Option tunes InitTracerProvider.
type Option func(*options)

type options struct {
	ratio float64
}

// WithSampleRatio samples root spans at ratio; children follow their parent.
// Ratios outside (0, 1) clamp to never or always.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) { o.ratio = ratio }
}

// InitTracerProvider installs a global tracer provider identified by
// serviceName and version, plus the W3C trace context and baggage
// propagators. Spans are not exported; trace ids still flow into backend
// requests and outcome notifications.
func InitTracerProvider(ctx context.Context, serviceName, version string, opts ...Option) (*sdktrace.TracerProvider, error) {
	o := options{ratio: 1}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(o.ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func rootSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}
