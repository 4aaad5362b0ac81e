package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/leadflow/internal/observe"
)

// Stage names in their default execution order.
const (
	StageSummaryEmail    = "summary_email"
	StageProductEmail    = "product_email"
	StageScheduleMeeting = "schedule_meeting"
)

// Stage is one finalization step.
type Stage interface {
	// Name identifies the stage in reports, logs and metrics.
	Name() string

	// Run reads and extends st. It must return promptly when ctx is
	// cancelled.
	Run(ctx context.Context, st *State) error
}

// Describer is implemented by stages that summarise a successful run in a
// human-readable line for the [Report].
type Describer interface {
	Describe(st State) string
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report lists the results of every stage in execution order.
type Report struct {
	Results []StageResult `json:"results"`
}

// Err joins the errors of every failed stage, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed returns the names of the stages that failed.
func (r Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, res.Name)
		}
	}
	return names
}

// Pipeline runs stages in order, each isolated from the others' failures.
type Pipeline struct {
	stages  []Stage
	metrics *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records stage outcomes into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline running stages in the given order.
func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{stages: stages}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Stages returns the configured stages in execution order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Run executes every stage against a copy of st and returns the final state
// together with the per-stage report. Stage failures never stop the run;
// only a cancelled ctx skips the stages that have not started yet.
func (p *Pipeline) Run(ctx context.Context, st State) (State, Report) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()

	cur := st.Clone()
	var report Report
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			report.Results = append(report.Results, StageResult{
				Name:  stage.Name(),
				Err:   err,
				Error: err.Error(),
			})
			continue
		}
		report.Results = append(report.Results, p.runStage(ctx, stage, &cur))
	}
	if failed := report.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d stage(s) failed", len(failed)))
	}
	return cur, report
}

// RunStage executes a single stage with the same isolation as [Pipeline.Run].
// The declarative chain uses it to wrap stages as graph nodes.
func (p *Pipeline) RunStage(ctx context.Context, stage Stage, st *State) StageResult {
	return p.runStage(ctx, stage, st)
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, st *State) (res StageResult) {
	name := stage.Name()
	ctx, span := observe.StartSpan(ctx, "pipeline.stage."+name,
		trace.WithAttributes(attribute.String("stage", name)))
	defer span.End()

	before := st.Clone()
	start := time.Now()
	res.Name = name

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("pipeline: stage %q panicked: %v", name, r)
		}
		if restored := enforceAddOnly(before, st); len(restored) > 0 {
			res.Err = errors.Join(res.Err, fmt.Errorf("%w: %v", ErrFieldOverwrite, restored))
		}
		res.Duration = time.Since(start)
		p.metrics.RecordStage(ctx, name, res.Duration, res.Err)

		log := observe.Logger(ctx)
		if res.Err != nil {
			res.Error = res.Err.Error()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Error)
			log.Error("pipeline: stage failed", "stage", name, "err", res.Err, "duration", res.Duration)
			return
		}
		if d, ok := stage.(Describer); ok {
			res.Detail = d.Describe(*st)
		}
		log.Info("pipeline: stage completed", "stage", name, "detail", res.Detail, "duration", res.Duration)
	}()

	res.Err = stage.Run(ctx, st)
	return res
}
