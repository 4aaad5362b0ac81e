package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every leadflow span.
const tracerName = "github.com/MrWong99/leadflow"

// SessionKey is the span attribute and log key carrying the chat session ID.
const SessionKey = "session_id"

type sessionCtxKey struct{}

// Tracer returns the leadflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithSession tags ctx with the chat session it serves. Spans started from
// the returned context carry the ID as an attribute and [Logger] adds it to
// every record.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionID returns the session set by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// StartSpan starts a span named name. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(SessionKey, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the trace ID of the active span in ctx, or "" without
// one. HTTP responses echo it in [CorrelationHeader].
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the session ID and the
// trace_id/span_id of the active span, whichever are present in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String(SessionKey, id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}
