package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider hands out tracers to the statesync components and flushes
// buffered spans on shutdown.
type TracerProvider interface {
	// GetTracer returns a Tracer with the given name and options.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes and stops the provider. It is a no-op for NoOp providers.
	Shutdown(ctx context.Context) error
}
