package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/observability"
	"github.com/ajitpratap0/conduit/pkg/pipeline"
	"github.com/ajitpratap0/conduit/pkg/processor"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/retry"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/storage/backend"
)

// inputRecord is one line of JSON-lines input.
type inputRecord struct {
	ID    string            `json:"id"`
	Key   string            `json:"key"`
	Value interface{}       `json:"value"`
	Tags  map[string]string `json:"tags"`
}

// result is one line of output.
type result struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Stage      string         `json:"stage,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMS float64        `json:"duration_ms"`
	Record     *record.Record `json:"record,omitempty"`
}

type summary struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Batches   int     `json:"batches"`
	Seconds   float64 `json:"seconds"`
}

// runner drives JSON-lines input through validation, the processor and the
// storage pipeline, one chunk of MaxBatchSize records at a time.
type runner struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *storage.CachedStorage
	proc     *processor.Processor
	validate *pipeline.Pipeline
	persist  *pipeline.Pipeline
	policy   retry.Policy
	enc      *json.Encoder
}

func newRunner(ctx context.Context, cfg *config.Config, log *zap.Logger, rec *metrics.Recorder, out io.Writer) (*runner, error) {
	tracer := observability.Tracer(cfg.Observability.EnableTracing)

	store, err := backend.OpenCached(ctx, cfg,
		backend.WithMetrics(rec),
		backend.WithTracer(tracer),
		backend.WithLogger(log))
	if err != nil {
		return nil, err
	}

	r, err := assemble(cfg, log, rec, tracer, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	r.enc = json.NewEncoder(out)
	return r, nil
}

func assemble(cfg *config.Config, log *zap.Logger, rec *metrics.Recorder, tracer trace.Tracer, store *storage.CachedStorage) (*runner, error) {
	proc, err := processor.New(cfg, log, processor.WithMetrics(rec), processor.WithTracer(tracer))
	if err != nil {
		return nil, err
	}
	for _, t := range pipeline.Transforms(cfg.Pipeline) {
		if err := proc.RegisterTransform(t); err != nil {
			return nil, err
		}
	}

	validate, err := pipeline.NewBuilder(cfg.Name+"-validate", log).
		WithMetrics(rec).
		WithTracer(tracer).
		Declare(cfg.Pipeline).
		Build()
	if err != nil {
		return nil, err
	}

	persist, err := pipeline.NewBuilder(cfg.Name+"-store", log).
		WithMetrics(rec).
		WithTracer(tracer).
		WithStorageTimeout(cfg.Timeouts.Storage).
		Store(store).
		Build()
	if err != nil {
		return nil, err
	}

	return &runner{
		cfg:      cfg,
		log:      log,
		store:    store,
		proc:     proc,
		validate: validate,
		persist:  persist,
		policy:   retry.FromConfig(cfg.Reliability),
	}, nil
}

// Run reads in until EOF and writes one result per record followed by the
// summary.
func (r *runner) Run(ctx context.Context, in io.Reader, source string) (*summary, error) {
	start := time.Now()
	sum := &summary{}

	dec := json.NewDecoder(in)
	dec.UseNumber()
	chunk := make([]*record.Record, 0, r.cfg.Performance.MaxBatchSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		results := r.runChunk(ctx, chunk)
		sum.Batches++
		for _, res := range results {
			sum.Total++
			if res.Status == record.StatusFailed.String() {
				sum.Failed++
			} else {
				sum.Succeeded++
			}
			if err := r.enc.Encode(res); err != nil {
				return errors.Wrap(err, errors.ErrorTypeIO, "failed to write result")
			}
		}
		chunk = chunk[:0]
		return nil
	}

	for n := 1; ; n++ {
		var line inputRecord
		err := dec.Decode(&line)
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to decode input record").
				WithDetail("record_index", n)
		}
		chunk = append(chunk, record.New(line.Key, line.Value,
			record.WithID(line.ID),
			record.WithTags(line.Tags),
			record.WithSource(source)))

		if len(chunk) == r.cfg.Performance.MaxBatchSize {
			if err := flush(); err != nil {
				return sum, err
			}
		}
		if ctx.Err() != nil {
			return sum, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "run cancelled")
		}
	}
	if err := flush(); err != nil {
		return sum, err
	}

	sum.Seconds = time.Since(start).Seconds()
	if err := r.enc.Encode(sum); err != nil {
		return sum, errors.Wrap(err, errors.ErrorTypeIO, "failed to write summary")
	}
	return sum, nil
}

// runChunk validates every record, processes the valid ones as one batch and
// stores those that completed. Results keep input order.
func (r *runner) runChunk(ctx context.Context, recs []*record.Record) []*result {
	results := make([]*result, len(recs))
	valid := make([]*record.Record, 0, len(recs))
	index := make([]int, 0, len(recs))

	for i, rec := range recs {
		if _, err := r.validate.Execute(ctx, rec); err != nil {
			results[i] = failure(rec, "validate", err, 0)
			continue
		}
		valid = append(valid, rec)
		index = append(index, i)
	}

	processed, err := r.proc.ProcessBatch(ctx, valid)
	if err != nil {
		// Only an oversized batch fails as a whole, and chunks never exceed
		// MaxBatchSize.
		for _, i := range index {
			results[i] = failure(recs[i], "process", err, 0)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Performance.MaxWorkers)
	for j, pr := range processed {
		i := index[j]
		if !pr.Success {
			results[i] = failure(recs[i], "process", pr.Error, 0)
			results[i].DurationMS = ms(pr.Duration)
			continue
		}
		g.Go(func() error {
			results[i] = r.storeWithRetry(ctx, pr)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *runner) storeWithRetry(ctx context.Context, pr *processor.ProcessingResult) *result {
	attempts := 0
	err := retry.DoNotify(ctx, r.policy, func(ctx context.Context) error {
		attempts++
		_, err := r.persist.Execute(ctx, pr.Record)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		logger.WithContext(logger.ContextWithRecord(ctx, pr.Record.ID()), r.log).Warn("storage write failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err != nil {
		return failure(pr.Record, "store", err, attempts)
	}
	return &result{
		ID:         pr.Record.ID(),
		Status:     pr.Record.Status().String(),
		Attempts:   attempts,
		DurationMS: ms(pr.Duration),
		Record:     pr.Record,
	}
}

func failure(rec *record.Record, stage string, err error, attempts int) *result {
	return &result{
		ID:        rec.ID(),
		Status:    record.StatusFailed.String(),
		Stage:     stage,
		ErrorType: string(errors.TypeOf(err)),
		Error:     err.Error(),
		Attempts:  attempts,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Close releases the storage backend.
func (r *runner) Close() error {
	return r.store.Close()
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg prometheus.Gatherer, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
