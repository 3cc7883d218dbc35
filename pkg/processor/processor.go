// Package processor applies an ordered chain of transforms to records under
// a bounded number of concurrent processing slots.
//
// # Overview
//
// A Processor owns a counting semaphore sized to Performance.MaxWorkers.
// Every call to Process holds one slot for the whole transform chain, so no
// more than MaxWorkers records are ever in flight on one Processor, whether
// they arrive through Process or ProcessBatch.
//
// # Basic Usage
//
//	p, err := processor.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	p.RegisterTransform(transform.Normalize("normalize", "email"))
//
//	result, err := p.Process(ctx, rec)
//	results, err := p.ProcessBatch(ctx, recs)
//
// Record lifecycle: Process moves a Pending record to Processing, then to
// Completed or Failed. The Processor is the only component that writes a
// record's status.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/observability"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/transform"
)

// ProcessingResult is the outcome of processing one record.
type ProcessingResult struct {
	Record   *record.Record
	Success  bool
	Duration time.Duration
	// Error is set only when Success is false
	Error error
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics sets the metrics recorder. Without it the Processor uses
// metrics.Default when metrics are enabled in the configuration.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = rec }
}

// WithTracer sets the tracer used for per-record spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) { p.tracer = tracer }
}

// Processor runs the transform chain with bounded concurrency.
type Processor struct {
	cfg     config.Config
	logger  *zap.Logger
	sem     *semaphore.Weighted
	metrics *metrics.Recorder
	tracer  trace.Tracer

	mu         sync.RWMutex
	transforms []transform.Transform

	activeMu    sync.Mutex
	active      map[string]struct{}
	activeCount int64
}

// New validates cfg and creates a Processor. cfg is copied; later changes to
// it have no effect.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Processor, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "processor configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:    *cfg,
		logger: logger.Named(log, "processor"),
		sem:    semaphore.NewWeighted(int64(cfg.Performance.MaxWorkers)),
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil && cfg.Observability.EnableMetrics {
		p.metrics = metrics.Default()
	}
	if p.tracer == nil {
		p.tracer = observability.Tracer(cfg.Observability.EnableTracing)
	}

	p.logger.Debug("processor created",
		zap.Int("max_workers", cfg.Performance.MaxWorkers),
		zap.Int("max_batch_size", cfg.Performance.MaxBatchSize),
		zap.Duration("operation_timeout", cfg.Timeouts.Operation))
	return p, nil
}

// RegisterTransform appends t to the chain. Transforms run in registration
// order and cannot be removed.
func (p *Processor) RegisterTransform(t transform.Transform) error {
	if t == nil {
		return errors.New(errors.ErrorTypeConfig, "cannot register a nil transform")
	}
	p.mu.Lock()
	p.transforms = append(p.transforms, t)
	p.mu.Unlock()
	return nil
}

// Transforms returns the names of the registered transforms in order.
func (p *Processor) Transforms() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.transforms))
	for i, t := range p.transforms {
		names[i] = t.Name()
	}
	return names
}

func (p *Processor) chain() []transform.Transform {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]transform.Transform(nil), p.transforms...)
}

// Process runs the transform chain on rec. The returned error is always
// result.Error; result is never nil.
func (p *Processor) Process(ctx context.Context, rec *record.Record) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{Record: rec}
	finish := func(err error) (*ProcessingResult, error) {
		result.Duration = time.Since(start)
		result.Success = err == nil
		result.Error = err
		p.metrics.RecordProcessed(result.Success, result.Duration)
		if err != nil {
			p.metrics.RecordError(errors.Code(err))
			return result, err
		}
		return result, nil
	}

	if rec == nil {
		return finish(errors.New(errors.ErrorTypeValidation, "cannot process a nil record"))
	}
	ctx = logger.ContextWithRecord(ctx, rec.ID())

	if err := p.acquire(ctx); err != nil {
		return finish(errors.Wrap(err, errors.ErrorTypeTimeout, "no processing slot available").
			WithDetail("record_id", rec.ID()).
			WithDetail("timeout", p.cfg.Timeouts.Operation.String()))
	}
	defer p.sem.Release(1)

	if !p.track(rec.ID()) {
		return finish(errors.New(errors.ErrorTypeConcurrency, "record is already being processed").
			WithDetail("record_id", rec.ID()))
	}
	defer p.untrack(rec.ID())

	// Status is only read once the id is tracked, so no other Process call
	// can be mutating the same record.
	if status := rec.Status(); status != record.StatusPending {
		return finish(errors.Newf(errors.ErrorTypeInvalidState, "record is %s, only pending records can be processed", status).
			WithDetail("record_id", rec.ID()))
	}

	ctx, span := p.tracer.Start(ctx, "processor.process", trace.WithAttributes(
		attribute.String("record.id", rec.ID()),
		attribute.String("record.key", rec.Key),
	))
	defer span.End()

	if err := rec.MarkProcessing(); err != nil {
		observability.EndStatus(span, err)
		return finish(err)
	}

	out, err := p.run(ctx, rec)
	result.Record = out
	if err == nil {
		if markErr := out.MarkCompleted(); markErr != nil {
			err = markErr
		}
	}
	if err != nil && out.Status() == record.StatusProcessing {
		_ = out.MarkFailed(err)
	}
	observability.EndStatus(span, err)

	if err != nil {
		logger.WithContext(ctx, p.logger).Debug("record failed",
			zap.String("code", errors.Code(err)),
			zap.Error(err))
	}
	return finish(err)
}

// run applies the chain and returns the record that reached the end of it,
// or the record current at the failing transform.
func (p *Processor) run(ctx context.Context, rec *record.Record) (*record.Record, error) {
	current := rec
	for i, t := range p.chain() {
		if err := ctx.Err(); err != nil {
			return current, errors.Wrap(err, errors.ErrorTypeTimeout, "processing interrupted").
				WithDetail("transform", t.Name()).
				WithDetail("transform_index", i)
		}

		out, err := t.Apply(ctx, current)
		p.metrics.RecordTransform(t.Name(), err == nil)
		if err != nil {
			return current, errors.Annotate(err, errors.ErrorTypeProcessing, fmt.Sprintf("transform %q failed", t.Name())).
				WithDetail("record_id", rec.ID()).
				WithDetail("transform", t.Name()).
				WithDetail("transform_index", i)
		}
		if out == nil {
			return current, errors.Newf(errors.ErrorTypeInvalidState, "transform %q returned no record", t.Name()).
				WithDetail("record_id", rec.ID()).
				WithDetail("transform", t.Name()).
				WithDetail("transform_index", i)
		}
		if out.ID() != rec.ID() {
			return current, errors.Newf(errors.ErrorTypeInvalidState, "transform %q changed the record id", t.Name()).
				WithDetail("record_id", rec.ID()).
				WithDetail("returned_id", out.ID()).
				WithDetail("transform", t.Name()).
				WithDetail("transform_index", i)
		}
		if out != current {
			out.CopyLifecycle(current)
		}
		current = out
	}
	return current, nil
}

func (p *Processor) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.Operation)
	defer cancel()
	return p.sem.Acquire(ctx, 1)
}

func (p *Processor) track(id string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if _, ok := p.active[id]; ok {
		return false
	}
	p.active[id] = struct{}{}
	p.metrics.SetActiveTasks(atomic.AddInt64(&p.activeCount, 1))
	return true
}

func (p *Processor) untrack(id string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	delete(p.active, id)
	p.metrics.SetActiveTasks(atomic.AddInt64(&p.activeCount, -1))
}

// ProcessBatch processes every record concurrently and returns one result
// per record in input order. Only an oversized batch fails the call; per
// record failures are reported in the results.
func (p *Processor) ProcessBatch(ctx context.Context, recs []*record.Record) ([]*ProcessingResult, error) {
	if len(recs) > p.cfg.Performance.MaxBatchSize {
		err := errors.Newf(errors.ErrorTypeConfig, "batch of %d records exceeds max batch size %d",
			len(recs), p.cfg.Performance.MaxBatchSize).
			WithDetail("batch_size", len(recs)).
			WithDetail("max_batch_size", p.cfg.Performance.MaxBatchSize)
		p.metrics.RecordError(errors.Code(err))
		return nil, err
	}

	results := make([]*ProcessingResult, len(recs))
	if len(recs) == 0 {
		return results, nil
	}

	timer := metrics.NewTimer()
	var wg sync.WaitGroup
	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *record.Record) {
			defer wg.Done()
			results[i], _ = p.Process(ctx, rec)
		}(i, rec)
	}
	wg.Wait()

	elapsed := timer.Stop()
	p.metrics.RecordBatch(len(recs), elapsed)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	p.logger.Debug("batch processed",
		zap.Int("records", len(recs)),
		zap.Int("failed", failed),
		zap.Duration("duration", elapsed))
	return results, nil
}

// ActiveTasks returns the number of records currently being processed.
func (p *Processor) ActiveTasks() int64 {
	return atomic.LoadInt64(&p.activeCount)
}

// IsActive reports whether a record with id is being processed.
func (p *Processor) IsActive(id string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[id]
	return ok
}

// Config returns a copy of the processor configuration.
func (p *Processor) Config() config.Config {
	return p.cfg
}
