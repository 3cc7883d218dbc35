package storage

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/observability"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// Instrumented bounds every call by a timeout and reports it to metrics
// and tracing.
type Instrumented struct {
	next    Storage
	backend string
	timeout time.Duration
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// Instrument wraps next. A zero timeout leaves calls unbounded; nil metrics
// and tracer disable the respective reporting.
func Instrument(next Storage, backend string, timeout time.Duration, rec *metrics.Recorder, tracer trace.Tracer) *Instrumented {
	if tracer == nil {
		tracer = observability.Tracer(false)
	}
	return &Instrumented{next: next, backend: backend, timeout: timeout, metrics: rec, tracer: tracer}
}

func (s *Instrumented) run(ctx context.Context, op, id string, fn func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	attrs := []attribute.KeyValue{
		attribute.String("storage.backend", s.backend),
		attribute.String("storage.operation", op),
	}
	if id != "" {
		attrs = append(attrs, attribute.String("record.id", id))
	}

	start := time.Now()
	err := observability.Trace(ctx, s.tracer, "storage."+op, func(ctx context.Context) error {
		return classify(fn(ctx), op)
	}, attrs...)
	s.metrics.RecordStorageOp(s.backend, op, err == nil, time.Since(start))
	if err != nil {
		s.metrics.RecordError(errors.Code(err))
	}
	return err
}

// classify maps untyped failures to the storage taxonomy.
func classify(err error, op string) error {
	if err == nil || errors.TypeOf(err) != "" {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "storage "+op+" timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeStorage, "storage "+op+" failed")
}

// Store implements Storage
func (s *Instrumented) Store(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return s.next.Store(ctx, rec)
	}
	return s.run(ctx, "store", rec.ID(), func(ctx context.Context) error {
		return s.next.Store(ctx, rec)
	})
}

// Get implements Storage
func (s *Instrumented) Get(ctx context.Context, id string) (*record.Record, error) {
	var out *record.Record
	err := s.run(ctx, "get", id, func(ctx context.Context) error {
		var err error
		out, err = s.next.Get(ctx, id)
		return err
	})
	return out, err
}

// List implements Storage
func (s *Instrumented) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.run(ctx, "list", "", func(ctx context.Context) error {
		var err error
		ids, err = s.next.List(ctx)
		return err
	})
	return ids, err
}

// Delete implements Storage
func (s *Instrumented) Delete(ctx context.Context, id string) error {
	return s.run(ctx, "delete", id, func(ctx context.Context) error {
		return s.next.Delete(ctx, id)
	})
}

// Update implements Updater
func (s *Instrumented) Update(ctx context.Context, rec *record.Record) error {
	if rec == nil {
		return Update(ctx, s.next, rec)
	}
	return s.run(ctx, "update", rec.ID(), func(ctx context.Context) error {
		return Update(ctx, s.next, rec)
	})
}

// Count implements Counter
func (s *Instrumented) Count(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "count", "", func(ctx context.Context) error {
		var err error
		n, err = Count(ctx, s.next)
		return err
	})
	return n, err
}

// Clear implements Clearer
func (s *Instrumented) Clear(ctx context.Context) error {
	return s.run(ctx, "clear", "", func(ctx context.Context) error {
		return Clear(ctx, s.next)
	})
}

// Normalize implements Normalizer
func (s *Instrumented) Normalize(rec *record.Record) (*record.Record, error) {
	return Normalize(s.next, rec)
}

// Close closes the wrapped store when it holds resources.
func (s *Instrumented) Close() error {
	if closer, ok := s.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
