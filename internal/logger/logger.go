package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
	"go.opentelemetry.io/otel/trace"
)

const defaultLevel = slog.LevelInfo

// parseLogLevel maps "debug", "info", "warn" and "error" (any case) to slog
// levels. Anything else falls back to INFO.
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// defaultLogger implements sslog.Logger on top of slog.
type defaultLogger struct {
	*slog.Logger
}

var _ sslog.Logger = (*defaultLogger)(nil)

// NewLogger creates a Logger writing to writer (os.Stderr when nil) in the
// given format ("text" or "json") at the given level.
func NewLogger(levelStr string, formatStr string, writer io.Writer) sslog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var base slog.Handler
	switch strings.ToLower(formatStr) {
	case "json":
		base = slog.NewJSONHandler(writer, opts)
	default:
		base = slog.NewTextHandler(writer, opts)
	}

	return &defaultLogger{Logger: slog.New(NewOtelHandler(base))}
}

// NewDefaultLogger is a text logger on os.Stderr.
func NewDefaultLogger(levelStr string) sslog.Logger {
	return NewLogger(levelStr, "text", os.Stderr)
}

// NewDiscardLogger drops everything. Used by tests that do not inspect logs.
func NewDiscardLogger() sslog.Logger {
	return NewLogger("error", "text", io.Discard)
}

var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level key as an uppercase word.
func replaceLevelAttribute(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if s, exists := levelStringMap[level]; exists {
		a.Value = slog.StringValue(s)
	} else {
		a.Value = slog.StringValue(level.String())
	}
	return a
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		l.Logger.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		l.Logger.Log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelWarn) {
		l.Logger.Log(context.Background(), slog.LevelWarn, fmt.Sprintf(format, args...))
	}
}

// Errorf logs at ERROR. When the last argument is a TransportError or a
// ConflictError its fields are attached as attributes.
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if !l.Logger.Enabled(context.Background(), slog.LevelError) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.Logger.Log(context.Background(), slog.LevelError, msg, errorAttrs(args)...)
}

// errorAttrs extracts structured attributes from a trailing error argument.
func errorAttrs(args []interface{}) []any {
	if len(args) == 0 {
		return nil
	}
	err, ok := args[len(args)-1].(error)
	if !ok {
		return nil
	}

	attrs := []any{}
	var conflict *sserrors.ConflictError
	var transport *sserrors.TransportError
	if errors.As(err, &transport) {
		attrs = append(attrs, slog.String("error_type", "TransportError"), slog.String("op", transport.Op))
		if transport.RecordID != "" {
			attrs = append(attrs, slog.String("record_id", transport.RecordID))
		}
	}
	if errors.As(err, &conflict) {
		attrs = append(attrs,
			slog.String("error_type", "ConflictError"),
			slog.Int64("revision_sent", conflict.Expected),
			slog.Int64("revision_stored", conflict.Actual),
		)
	}
	return append(attrs, slog.String("error", err.Error()))
}

func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx logs with ctx so the OtelHandler can attach trace and span IDs.
func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *defaultLogger) With(args ...interface{}) sslog.Logger {
	return &defaultLogger{Logger: l.Logger.With(args...)}
}

func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// OtelHandler is slog middleware that adds trace_id and span_id when the
// record's context carries a valid span.
type OtelHandler struct {
	next slog.Handler
}

func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
