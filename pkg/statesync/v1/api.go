package v1

import (
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	"github.com/gxo-labs/statesync/pkg/statesync/v1/events"
	"github.com/gxo-labs/statesync/pkg/statesync/v1/tracing"
)

// Component is implemented by the history controller and the save
// coordinator. The setters exist so shared options can configure either.
type Component interface {
	SetEventBus(bus events.Bus) error
	SetTracerProvider(provider tracing.TracerProvider) error
}

// Option configures a Component at construction.
type Option func(Component) error

// WithEventBus routes lifecycle events to bus.
func WithEventBus(bus events.Bus) Option {
	return func(c Component) error {
		if bus == nil {
			return sserrors.NewConfigError("event bus cannot be nil", nil)
		}
		return c.SetEventBus(bus)
	}
}

// WithTracerProvider sets the provider used to create spans.
func WithTracerProvider(provider tracing.TracerProvider) Option {
	return func(c Component) error {
		if provider == nil {
			return sserrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return c.SetTracerProvider(provider)
	}
}
