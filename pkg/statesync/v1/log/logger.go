// Package log defines the logging interface shared by the statesync packages.
package log

import (
	"context"
	"log/slog"
)

// Logger is the logging surface used by the history controller, the save
// coordinator and their collaborators. It mirrors slog's structured style
// while keeping printf-style helpers for operational messages.
type Logger interface {
	// Debugf logs a formatted message at the DEBUG level.
	Debugf(format string, args ...interface{})
	// Infof logs a formatted message at the INFO level.
	Infof(format string, args ...interface{})
	// Warnf logs a formatted message at the WARN level.
	Warnf(format string, args ...interface{})
	// Errorf logs a formatted message at the ERROR level. When the last
	// argument is an error, implementations should log it structurally.
	Errorf(format string, args ...interface{})

	// Log logs msg at level with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, so trace and span IDs can be attached.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a Logger that adds args to every entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether entries at level are emitted.
	IsEnabled(level slog.Level) bool
}
