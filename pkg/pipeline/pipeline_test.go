package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/processor"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/testutil"
	"github.com/ajitpratap0/conduit/pkg/transform"
	"github.com/ajitpratap0/conduit/pkg/validation"
)

// slowStore delays every Store until ctx is done or delay passes.
type slowStore struct {
	*storage.InMemoryStorage
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (s *slowStore) Store(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.InMemoryStorage.Store(ctx, rec)
}

func (s *slowStore) storeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type PipelineSuite struct {
	testutil.EngineSuite
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) processor(workers int) *processor.Processor {
	p, err := processor.New(testutil.TestConfig(workers, 100), s.Logger(), processor.WithMetrics(s.Recorder()))
	s.Require().NoError(err)
	return p
}

func (s *PipelineSuite) TestEmptyPipelineIsIdentity() {
	p, err := NewBuilder("empty", s.Logger()).Build()
	s.Require().NoError(err)
	s.Equal(0, p.Len())

	rec := record.New("k", map[string]interface{}{"v": 1.0})
	out, err := p.Execute(s.Context(), rec)
	s.Require().NoError(err)
	s.Same(rec, out)
	s.Equal(record.StatusPending, out.Status())
	s.Equal(map[string]interface{}{"v": 1.0}, out.Value)
}

func (s *PipelineSuite) TestStagesRunInKindOrder() {
	store := storage.NewInMemoryStorage()
	p, err := NewBuilder("ordered", s.Logger()).
		Store(store).
		Transform(transform.Enrich("enrich", "seen", true)).
		Validate(validation.NewValidator(validation.RequiredField{Field: "v"})).
		Process(s.processor(2)).
		Build()
	s.Require().NoError(err)
	s.Equal([]string{"validate", "enrich", "process", "store"}, p.Stages())
	s.Equal("ordered", p.Name())

	rec := record.New("k", map[string]interface{}{"v": 1.0})
	out, err := p.Execute(s.Context(), rec)
	s.Require().NoError(err)
	s.Equal(record.StatusCompleted, out.Status())

	stored, err := storage.Require(s.Context(), store, rec.ID())
	s.Require().NoError(err)
	s.Equal(record.StatusCompleted, stored.Status())
	seen, _ := stored.Field("seen")
	s.Equal(true, seen)
}

func (s *PipelineSuite) TestValidationFailureStopsPipeline() {
	store := &slowStore{InMemoryStorage: storage.NewInMemoryStorage()}
	proc := s.processor(1)
	ran := false
	s.Require().NoError(proc.RegisterTransform(transform.NewFunc("spy", func(_ context.Context, rec *record.Record) (*record.Record, error) {
		ran = true
		return rec, nil
	})))

	p, err := NewBuilder("strict", s.Logger()).
		WithMetrics(s.Recorder()).
		Validate(validation.NewValidator(validation.RequiredField{Field: "email"})).
		Process(proc).
		Store(store).
		Build()
	s.Require().NoError(err)

	rec := record.New("k", map[string]interface{}{"name": "ada"})
	out, err := p.Execute(s.Context(), rec)
	s.Nil(out)
	s.Require().Error(err)

	var serr *StageError
	s.Require().True(stderrors.As(err, &serr))
	s.Equal("strict", serr.Pipeline)
	s.Equal("validate", serr.Stage)
	s.Equal(KindValidation, serr.Kind)
	s.Equal(0, serr.Index)

	var verr *errors.ValidationError
	s.Require().True(stderrors.As(err, &verr))
	s.Equal("email", verr.Field)
	s.Equal("required", verr.Rule)
	s.True(errors.IsUserError(err))
	s.False(errors.IsRetryable(err))

	s.False(ran)
	s.Equal(0, store.storeCalls())
	s.Equal(record.StatusPending, rec.Status())

	count, err := prom.GatherAndCount(s.Registry(), "suite_pipeline_executions_total")
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *PipelineSuite) TestProcessFailureSkipsStorage() {
	store := &slowStore{InMemoryStorage: storage.NewInMemoryStorage()}
	proc := s.processor(1)
	s.Require().NoError(proc.RegisterTransform(transform.Filter("reject", func(*record.Record) bool { return false })))

	p, err := NewBuilder("filtered", s.Logger()).Process(proc).Store(store).Build()
	s.Require().NoError(err)

	rec := record.New("k", nil)
	_, err = p.Execute(s.Context(), rec)
	s.True(errors.IsType(err, errors.ErrorTypeProcessing))

	var serr *StageError
	s.Require().True(stderrors.As(err, &serr))
	s.Equal(KindTransform, serr.Kind)
	s.Equal(record.StatusFailed, rec.Status())
	s.Equal(0, store.storeCalls())
}

func (s *PipelineSuite) TestStorageTimeoutIsRetryable() {
	store := &slowStore{InMemoryStorage: storage.NewInMemoryStorage(), delay: time.Second}
	p, err := NewBuilder("slow", s.Logger()).
		WithStorageTimeout(20 * time.Millisecond).
		Store(store).
		Build()
	s.Require().NoError(err)

	_, err = p.Execute(s.Context(), record.New("k", nil))
	s.True(errors.IsType(err, errors.ErrorTypeTimeout))
	s.True(errors.IsRetryable(err))
	s.True(stderrors.Is(err, context.DeadlineExceeded))
}

func (s *PipelineSuite) TestStageFailureLogCarriesRecordAndPipeline() {
	core, logs := observer.New(zap.DebugLevel)
	p, err := NewBuilder("audited", zap.New(core)).
		Validate(validation.NewValidator(validation.RequiredField{Field: "email"})).
		Build()
	s.Require().NoError(err)

	rec := record.New("k", map[string]interface{}{}, record.WithID("r-7"))
	_, err = p.Execute(s.Context(), rec)
	s.Require().Error(err)

	failed := logs.FilterMessage("pipeline stage failed").All()
	s.Require().Len(failed, 1)
	fields := failed[0].ContextMap()
	s.Equal("audited", fields["pipeline"])
	s.Equal("r-7", fields["record_id"])
	s.Equal("validate", fields["stage"])
	s.Equal("pipeline", fields["component"])
}

func (s *PipelineSuite) TestCachedStorageRoundTrip() {
	cached, err := storage.NewCachedStorage(storage.NewInMemoryStorage(), 2)
	s.Require().NoError(err)
	p, err := NewBuilder("cached", s.Logger()).Process(s.processor(2)).Store(cached).Build()
	s.Require().NoError(err)

	rec := record.New("k", map[string]interface{}{"v": 1.0})
	_, err = p.Execute(s.Context(), rec)
	s.Require().NoError(err)

	got, err := cached.Get(s.Context(), rec.ID())
	s.Require().NoError(err)
	s.Equal(rec.Value, got.Value)
	s.Equal(record.StatusCompleted, got.Status())

	s.Require().NoError(cached.Delete(s.Context(), rec.ID()))
	_, err = storage.Require(s.Context(), cached, rec.ID())
	s.True(errors.IsType(err, errors.ErrorTypeNotFound))
}

func (s *PipelineSuite) TestConcurrentExecute() {
	store := storage.NewInMemoryStorage()
	p, err := NewBuilder("shared", s.Logger()).
		Transform(transform.Tag("tag", map[string]string{"via": "shared"})).
		Process(s.processor(4)).
		Store(store).
		Build()
	s.Require().NoError(err)

	recs := testutil.Records("c", 40)
	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *record.Record) {
			defer wg.Done()
			_, err := p.Execute(s.Context(), rec)
			s.NoError(err)
		}(rec)
	}
	wg.Wait()

	s.Equal(len(recs), store.Len())
	got, _ := store.Get(s.Context(), recs[7].ID())
	via, _ := got.Tag("via")
	s.Equal("shared", via)
}

func (s *PipelineSuite) TestBuilderErrors() {
	_, err := NewBuilder("", s.Logger()).Build()
	s.True(errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewBuilder("x", s.Logger()).Validate(nil).Build()
	s.True(errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewBuilder("x", s.Logger()).Store(nil).Build()
	s.True(errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewBuilder("x", s.Logger()).Process(nil).Build()
	s.True(errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewBuilder("x", s.Logger()).WithStorageTimeout(0).Build()
	s.True(errors.IsType(err, errors.ErrorTypeConfig))
}

func (s *PipelineSuite) TestDeclaredStages() {
	lo, hi := 0.0, 150.0
	pc := config.PipelineConfig{
		Required:  []string{"email"},
		NonEmpty:  []string{"name"},
		Ranges:    []config.RangeRule{{Field: "age", Min: &lo, Max: &hi}},
		Aggregate: true,
		Rename:    map[string]string{"mail": "contact"},
		Normalize: []string{"email"},
		Enrich:    map[string]string{"region": "eu", "plan": "free"},
		Tags:      map[string]string{"source": "import"},
		Drop:      []string{"password"},
	}

	names := make([]string, 0)
	for _, t := range Transforms(pc) {
		names = append(names, t.Name())
	}
	s.Equal([]string{"rename", "drop", "normalize", "enrich_plan", "enrich_region", "tag"}, names)

	v := Validator(pc)
	s.Require().NotNil(v)
	s.Equal(3, v.RuleCount())
	s.Nil(Validator(config.PipelineConfig{}))

	b := NewBuilder("declared", s.Logger()).Declare(pc)
	for _, t := range Transforms(pc) {
		b.Transform(t)
	}
	p, err := b.Build()
	s.Require().NoError(err)

	// Both failing rules are reported together.
	_, err = p.Execute(s.Context(), record.New("k", map[string]interface{}{"name": "", "age": 200.0}))
	s.True(errors.IsType(err, errors.ErrorTypeValidation))
	s.Contains(err.Error(), "3 validation rules failed")

	out, err := p.Execute(s.Context(), record.New("k", map[string]interface{}{
		"email": "  Ada@Example.COM ", "mail": "old@example.com", "name": "ada", "age": 36.0, "password": "x",
	}))
	s.Require().NoError(err)
	s.Equal(map[string]interface{}{
		"email": "ada@example.com", "contact": "old@example.com", "name": "ada", "age": 36.0,
		"region": "eu", "plan": "free",
	}, out.Value)
	src, _ := out.Tag("source")
	s.Equal("import", src)
}

func (s *PipelineSuite) TestStageErrorMessage() {
	err := &StageError{Pipeline: "p", Stage: "store", Kind: KindStorage, Index: 2, Err: fmt.Errorf("disk full")}
	s.Equal(`pipeline "p": storage stage "store" (#2) failed: disk full`, err.Error())
	s.Equal("unknown", Kind(9).String())
}
