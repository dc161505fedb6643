// Package tracing provides the OpenTelemetry provider used by the statesync
// components and small helpers for recording span outcomes.
package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
)

// InstrumentationName is the tracer name used by every component.
const InstrumentationName = "github.com/gxo-labs/statesync"

// Attribute keys shared by history and save spans.
const (
	AttrRecordID     = attribute.Key("statesync.record.id")
	AttrRevision     = attribute.Key("statesync.record.revision")
	AttrForce        = attribute.Key("statesync.save.force")
	AttrChangedKeys  = attribute.Key("statesync.history.changed_keys")
	AttrNavigateMode = attribute.Key("statesync.history.mode")
)

// RecordError marks span as failed. Conflicts get their revisions attached so
// they can be told apart from other transport failures.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	if sserrors.IsConflict(err) {
		span.SetAttributes(attribute.Bool("statesync.save.conflict", true))
	}
	span.SetStatus(codes.Error, err.Error())
}
