// Package observe ties leadflow's observability together: OpenTelemetry
// metrics exported to Prometheus, tracing with session-tagged spans, the
// slog logger enriched from the request context, and the HTTP middleware
// that starts it all per request.
//
// Components receive a [*Metrics] explicitly. [DefaultMetrics] is bound to
// the global meter provider; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/leadflow"

// Metrics are the funnel's instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// ── Latency (seconds) ──

	LLMDuration         metric.Float64Histogram // attrs: status
	ChatDuration        metric.Float64Histogram // attrs: backend
	StageDuration       metric.Float64Histogram // attrs: stage, status
	HTTPRequestDuration metric.Float64Histogram // attrs: method, path, status

	// ── Counts ──

	ChatTurns           metric.Int64Counter // attrs: exit
	SessionsFinalized   metric.Int64Counter // attrs: trigger
	ClassifierDecisions metric.Int64Counter // attrs: result
	ProviderRequests    metric.Int64Counter // attrs: provider, kind, status
	StageErrors         metric.Int64Counter // attrs: stage
	BreakerTransitions  metric.Int64Counter // attrs: name, to

	// ActiveSessions counts conversations with at least one turn that have
	// not been finalized yet.
	ActiveSessions metric.Int64UpDownCounter
}

// Remote model runs and SMTP submissions routinely take several seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// instruments creates instruments on one meter and collects creation errors
// for NewMetrics to check once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		LLMDuration:         b.latency("leadflow.llm.duration", "Latency of classifier completions.", latencyBuckets...),
		ChatDuration:        b.latency("leadflow.chat.duration", "Latency of one conversational round trip.", latencyBuckets...),
		StageDuration:       b.latency("leadflow.stage.duration", "Latency of finalization stages.", latencyBuckets...),
		HTTPRequestDuration: b.latency("leadflow.http.request.duration", "HTTP request latency by method, path and status."),

		ChatTurns:           b.counter("leadflow.chat.turns", "Accepted user messages by exit outcome."),
		SessionsFinalized:   b.counter("leadflow.sessions.finalized", "Finalized conversations by trigger."),
		ClassifierDecisions: b.counter("leadflow.classifier.decisions", "Completion classifier outcomes."),
		ProviderRequests:    b.counter("leadflow.provider.requests", "Remote API requests by provider, kind and status."),
		StageErrors:         b.counter("leadflow.stage.errors", "Failed finalization stages by stage name."),
		BreakerTransitions:  b.counter("leadflow.breaker.transitions", "Circuit breaker state changes by breaker and target state."),
	}
	var err error
	met.ActiveSessions, err = b.meter.Int64UpDownCounter("leadflow.active_sessions",
		metric.WithDescription("Conversations currently held in memory."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the instruments bound to the global meter provider.
// [InitProvider] may run before or after the first call.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func withAttrs(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

// RecordChat records one round trip through the chat backend.
func (m *Metrics) RecordChat(ctx context.Context, backend string, d time.Duration) {
	m.ChatDuration.Record(ctx, d.Seconds(), withAttrs("backend", backend))
}

// RecordLLM records one classifier completion.
func (m *Metrics) RecordLLM(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMDuration.Record(ctx, d.Seconds(), withAttrs("status", status))
}

// SessionOpened and SessionClosed move the active-sessions gauge.
func (m *Metrics) SessionOpened(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }

// SessionClosed is the counterpart of SessionOpened.
func (m *Metrics) SessionClosed(ctx context.Context) { m.ActiveSessions.Add(ctx, -1) }

// RecordProviderRequest records one remote API call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, withAttrs("provider", provider, "kind", kind, "status", status))
}

// RecordTurn records one accepted user message.
func (m *Metrics) RecordTurn(ctx context.Context, exit bool) {
	m.ChatTurns.Add(ctx, 1, withAttrs("exit", strconv.FormatBool(exit)))
}

// RecordFinalized records one finalized conversation.
func (m *Metrics) RecordFinalized(ctx context.Context, trigger string) {
	m.SessionsFinalized.Add(ctx, 1, withAttrs("trigger", trigger))
}

// RecordClassifierDecision records one classifier outcome: "yes", "no",
// "error" or "circuit_open".
func (m *Metrics) RecordClassifierDecision(ctx context.Context, result string) {
	m.ClassifierDecisions.Add(ctx, 1, withAttrs("result", result))
}

// RecordStage records the duration and outcome of one finalization stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.StageErrors.Add(ctx, 1, withAttrs("stage", stage))
	}
	m.StageDuration.Record(ctx, d.Seconds(), withAttrs("stage", stage, "status", status))
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(name, to string) {
	m.BreakerTransitions.Add(context.Background(), 1, withAttrs("name", name, "to", to))
}
