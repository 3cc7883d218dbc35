// Package pipeline composes validation, transform and storage stages into a
// named, reusable execution path for single records.
//
// # Overview
//
// A Pipeline is built once and then executed many times, concurrently if
// needed. Stages always run in kind order (validation, then transform, then
// storage) no matter the order they were added to the Builder; stages of
// the same kind keep their insertion order.
//
// # Basic Usage
//
//	p, err := pipeline.NewBuilder("orders", logger).
//	    Store(cached).
//	    Validate(validator).
//	    Process(proc).
//	    Build()
//	if err != nil {
//	    return err
//	}
//
//	out, err := p.Execute(ctx, rec)
//
// Execution is fail-fast: the first failing stage stops the run and no later
// stage sees the record. The error is a *StageError that unwraps to the
// stage's own error, so errors.IsRetryable and errors.As behave as if the
// stage had been called directly.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/observability"
	"github.com/ajitpratap0/conduit/pkg/processor"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/transform"
	"github.com/ajitpratap0/conduit/pkg/validation"
)

// DefaultStorageTimeout bounds storage stages when the builder is not given
// one.
const DefaultStorageTimeout = 10 * time.Second

// Pipeline is an immutable ordered sequence of stages.
type Pipeline struct {
	name    string
	stages  []Stage
	logger  *zap.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// StageError reports which stage stopped a pipeline run.
type StageError struct {
	Pipeline string
	Stage    string
	Kind     Kind
	Index    int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %q: %s stage %q (#%d) failed: %v", e.Pipeline, e.Kind, e.Stage, e.Index, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Builder collects stages for a Pipeline.
type Builder struct {
	name           string
	logger         *zap.Logger
	metrics        *metrics.Recorder
	tracer         trace.Tracer
	storageTimeout time.Duration
	stages         []Stage
	err            error
}

// NewBuilder starts a pipeline called name.
func NewBuilder(name string, log *zap.Logger) *Builder {
	return &Builder{name: name, logger: log, storageTimeout: DefaultStorageTimeout}
}

// WithMetrics reports validation and run outcomes to rec.
func (b *Builder) WithMetrics(rec *metrics.Recorder) *Builder {
	b.metrics = rec
	return b
}

// WithTracer opens a span per run and per stage.
func (b *Builder) WithTracer(tracer trace.Tracer) *Builder {
	b.tracer = tracer
	return b
}

// WithStorageTimeout bounds each storage stage call. Storage stages added
// before this call keep the timeout that was current when they were added.
func (b *Builder) WithStorageTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("storage timeout must be positive")
		return b
	}
	b.storageTimeout = d
	return b
}

// Validate adds a validation stage.
func (b *Builder) Validate(v *validation.Validator) *Builder {
	if v == nil {
		b.fail("validation stage requires a validator")
		return b
	}
	return b.Stage(&validationStage{validator: v})
}

// Transform adds a transform stage applying t directly, without the
// processor's lifecycle or concurrency limit.
func (b *Builder) Transform(t transform.Transform) *Builder {
	if t == nil {
		b.fail("transform stage requires a transform")
		return b
	}
	return b.Stage(&transformStage{transform: t})
}

// Process adds a transform stage that runs p's transform chain.
func (b *Builder) Process(p *processor.Processor) *Builder {
	if p == nil {
		b.fail("process stage requires a processor")
		return b
	}
	return b.Stage(&processStage{processor: p})
}

// Store adds a storage stage.
func (b *Builder) Store(s storage.Storage) *Builder {
	if s == nil {
		b.fail("storage stage requires a store")
		return b
	}
	return b.Stage(&storageStage{store: s, timeout: b.storageTimeout})
}

// Stage adds a custom stage.
func (b *Builder) Stage(s Stage) *Builder {
	if s == nil {
		b.fail("stage is nil")
		return b
	}
	b.stages = append(b.stages, s)
	return b
}

func (b *Builder) fail(msg string) {
	if b.err == nil {
		b.err = errors.New(errors.ErrorTypeConfig, msg).WithDetail("pipeline", b.name)
	}
}

// Build returns the pipeline, or the first configuration error recorded by
// the builder.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline name is required")
	}

	stages := append([]Stage(nil), b.stages...)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Kind() < stages[j].Kind()
	})

	tracer := b.tracer
	if tracer == nil {
		tracer = observability.Tracer(false)
	}
	p := &Pipeline{
		name:    b.name,
		stages:  stages,
		logger:  logger.Named(b.logger, "pipeline"),
		metrics: b.metrics,
		tracer:  tracer,
	}
	p.logger.Debug("pipeline built",
		zap.String("pipeline", p.name),
		zap.Strings("stages", p.Stages()))
	return p, nil
}

// Execute runs rec through every stage in order. An empty pipeline returns
// rec unchanged.
func (p *Pipeline) Execute(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if len(p.stages) == 0 {
		return rec, nil
	}
	if rec == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "cannot execute a pipeline on a nil record").
			WithDetail("pipeline", p.name)
	}

	ctx = logger.ContextWithRecord(logger.ContextWithPipeline(ctx, p.name), rec.ID())
	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("record.id", rec.ID()),
	))
	defer span.End()

	current := rec
	for i, st := range p.stages {
		out, err := p.runStage(ctx, i, st, current)
		if err != nil {
			serr := &StageError{Pipeline: p.name, Stage: st.Name(), Kind: st.Kind(), Index: i, Err: err}
			observability.EndStatus(span, serr)
			p.metrics.RecordPipeline(p.name, false)
			p.metrics.RecordError(errors.Code(err))
			logger.WithContext(ctx, p.logger).Debug("pipeline stage failed",
				zap.String("stage", st.Name()),
				zap.String("kind", st.Kind().String()),
				zap.Error(err))
			return nil, serr
		}
		current = out
	}

	observability.EndStatus(span, nil)
	p.metrics.RecordPipeline(p.name, true)
	return current, nil
}

func (p *Pipeline) runStage(ctx context.Context, i int, st Stage, rec *record.Record) (*record.Record, error) {
	var out *record.Record
	err := observability.Trace(ctx, p.tracer, "pipeline.stage."+st.Kind().String(), func(ctx context.Context) error {
		var err error
		out, err = st.Execute(ctx, rec)
		return err
	},
		attribute.String("stage.name", st.Name()),
		attribute.Int("stage.index", i),
	)
	if st.Kind() == KindValidation {
		p.metrics.RecordValidation(err == nil)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.Newf(errors.ErrorTypeInvalidState, "stage %q returned no record", st.Name())
	}
	return out, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}
