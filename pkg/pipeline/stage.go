package pipeline

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/processor"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/transform"
	"github.com/ajitpratap0/conduit/pkg/validation"
)

// Kind orders stages within a pipeline.
type Kind int

const (
	KindValidation Kind = iota
	KindTransform
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransform:
		return "transform"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Stage is one step of a pipeline. Execute returns the record the next
// stage receives.
type Stage interface {
	Name() string
	Kind() Kind
	Execute(ctx context.Context, rec *record.Record) (*record.Record, error)
}

type validationStage struct {
	validator *validation.Validator
}

func (s *validationStage) Name() string { return "validate" }
func (s *validationStage) Kind() Kind   { return KindValidation }

func (s *validationStage) Execute(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if err := s.validator.Validate(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type transformStage struct {
	transform transform.Transform
}

func (s *transformStage) Name() string { return s.transform.Name() }
func (s *transformStage) Kind() Kind   { return KindTransform }

func (s *transformStage) Execute(ctx context.Context, rec *record.Record) (*record.Record, error) {
	out, err := s.transform.Apply(ctx, rec)
	if err != nil {
		if errors.TypeOf(err) != "" {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeProcessing, "transform failed").
			WithDetail("transform", s.transform.Name())
	}
	if out != nil && out.ID() != rec.ID() {
		return nil, errors.New(errors.ErrorTypeInvalidState, "transform changed the record id").
			WithDetail("transform", s.transform.Name())
	}
	return out, nil
}

// processStage delegates to a Processor so the record goes through its
// lifecycle and concurrency limit.
type processStage struct {
	processor *processor.Processor
}

func (s *processStage) Name() string { return "process" }
func (s *processStage) Kind() Kind   { return KindTransform }

func (s *processStage) Execute(ctx context.Context, rec *record.Record) (*record.Record, error) {
	result, err := s.processor.Process(ctx, rec)
	if err != nil {
		return nil, err
	}
	return result.Record, nil
}

type storageStage struct {
	store   storage.Storage
	timeout time.Duration
}

func (s *storageStage) Name() string { return "store" }
func (s *storageStage) Kind() Kind   { return KindStorage }

func (s *storageStage) Execute(ctx context.Context, rec *record.Record) (*record.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.store.Store(ctx, rec)
	switch {
	case err == nil:
		return rec, nil
	case errors.TypeOf(err) != "":
		return nil, err
	case stderrors.Is(err, context.DeadlineExceeded):
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "storage stage timed out").
			WithDetail("timeout", s.timeout.String())
	default:
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage stage failed")
	}
}
