package errors

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by transports when a record id is unknown.
var ErrRecordNotFound = errors.New("record not found")

// ErrSaveInFlight is returned when an operation requires an idle save
// coordinator but a request is still outstanding.
var ErrSaveInFlight = errors.New("save request in flight")

// ConfigError represents an error encountered while building a component or
// loading a session script.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that caller input (a state key, a value of the
// wrong shape, a script step) failed validation.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// RoundTripError reports a codec whose deserialize(serialize(v)) is not a
// fixed point. It is a programming error in the serialization registry.
type RoundTripError struct {
	Key   string
	Value interface{}
	Got   interface{}
}

func NewRoundTripError(key string, value, got interface{}) *RoundTripError {
	return &RoundTripError{Key: key, Value: value, Got: got}
}
func (e *RoundTripError) Error() string {
	return fmt.Sprintf("round-trip violation for key '%s': serialized %#v, deserialized %#v", e.Key, e.Value, e.Got)
}

// TransportError wraps a failed insert, update or load.
type TransportError struct {
	Op       string // "insert", "update" or "load"
	RecordID string
	Cause    error
}

func NewTransportError(op, recordID string, cause error) *TransportError {
	return &TransportError{Op: op, RecordID: recordID, Cause: cause}
}
func (e *TransportError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("transport %s of record '%s' failed: %v", e.Op, e.RecordID, e.Cause)
}
func (e *TransportError) Unwrap() error { return e.Cause }

// ConflictError is returned by a transport when an update carries a stale
// revision and was not forced.
type ConflictError struct {
	RecordID string
	Expected int64 // revision sent by the client
	Actual   int64 // revision held by the store
}

func NewConflictError(recordID string, expected, actual int64) *ConflictError {
	return &ConflictError{RecordID: recordID, Expected: expected, Actual: actual}
}
func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on record '%s': have %d, store has %d", e.RecordID, e.Expected, e.Actual)
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
