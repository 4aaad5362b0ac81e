package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID back to HTTP clients.
const CorrelationHeader = "X-Correlation-ID"

// responseWriter records the status and body size written by a handler.
// Hijack and Flush are forwarded so /ws upgrades work behind the
// middleware.
type responseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer cannot hijack")
	}
	w.hijacked = true
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(r *http.Request, status int, d time.Duration) {
	m.HTTPRequestDuration.Record(r.Context(), d.Seconds(),
		withAttrs("method", r.Method, "path", r.URL.Path, "status", strconv.Itoa(status)))
}

// Middleware instruments every request of the chat server. It continues
// an incoming W3C trace or starts one, tags the context with the
// session_id query parameter so /status and /ws spans and logs name their
// session, answers with [CorrelationHeader] and a traceparent header, and
// records the latency histogram and one completion log line.
//
// A hijacked /ws request completes when its socket closes.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx = WithSession(ctx, r.URL.Query().Get(SessionKey))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path)),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			m.RecordHTTP(r, rw.status, elapsed)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))

			level := slog.LevelInfo
			if rw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			Logger(ctx).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int("bytes", rw.bytes),
				slog.Bool("hijacked", rw.hijacked),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
