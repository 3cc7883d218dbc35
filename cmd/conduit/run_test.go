package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/observability"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/testutil"
)

// flakyStore fails the first failures writes with a storage error.
type flakyStore struct {
	*storage.InMemoryStorage
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Store(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeStorage, "connection reset")
	}
	s.mu.Unlock()
	return s.InMemoryStorage.Store(ctx, rec)
}

func newTestRunner(t *testing.T, cfg *config.Config, backing storage.Storage) (*runner, *bytes.Buffer) {
	t.Helper()
	cached, err := storage.NewCachedStorage(backing, 16)
	require.NoError(t, err)
	r, err := assemble(cfg, testutil.TestLogger(t), nil, observability.Tracer(false), cached)
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	r.enc = json.NewEncoder(buf)
	return r, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRunValidatesProcessesAndStores(t *testing.T) {
	cfg := testutil.TestConfig(2, 2)
	cfg.Pipeline = config.PipelineConfig{
		Required:  []string{"email"},
		Normalize: []string{"email"},
		Tags:      map[string]string{"source": "cli"},
	}
	mem := storage.NewInMemoryStorage()
	r, buf := newTestRunner(t, cfg, mem)

	input := `{"id":"u-1","key":"user","value":{"email":" Ada@Example.com "}}
{"id":"u-2","key":"user","value":{"name":"bob"}}
{"id":"u-3","key":"user","value":{"email":"c@d.e"},"tags":{"tier":"gold"}}
`
	sum, err := r.Run(context.Background(), strings.NewReader(input), "test.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Batches)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "u-1", lines[0]["id"])
	assert.Equal(t, "completed", lines[0]["status"])
	assert.Equal(t, "u-2", lines[1]["id"])
	assert.Equal(t, "failed", lines[1]["status"])
	assert.Equal(t, "validate", lines[1]["stage"])
	assert.Equal(t, "validation", lines[1]["error_type"])
	assert.Equal(t, "u-3", lines[2]["id"])
	assert.EqualValues(t, 3, lines[3]["total"])

	assert.Equal(t, 2, mem.Len())
	stored, err := storage.Require(context.Background(), mem, "u-1")
	require.NoError(t, err)
	email, _ := stored.Field("email")
	assert.Equal(t, "ada@example.com", email)
	src, _ := stored.Tag("source")
	assert.Equal(t, "cli", src)
	assert.Equal(t, "test.jsonl", stored.Metadata.Source)

	gold, err := storage.Require(context.Background(), mem, "u-3")
	require.NoError(t, err)
	assert.True(t, gold.HasTag("tier"))

	_, err = storage.Require(context.Background(), mem, "u-2")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRunRetriesStorageFailures(t *testing.T) {
	cfg := testutil.TestConfig(1, 10)
	cfg.Reliability.RetryAttempts = 3
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 2 * time.Millisecond

	flaky := &flakyStore{InMemoryStorage: storage.NewInMemoryStorage(), failures: 2}
	r, buf := newTestRunner(t, cfg, flaky)

	sum, err := r.Run(context.Background(), strings.NewReader(`{"id":"a","key":"k","value":1}`), "-")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, flaky.Len())

	lines := decodeLines(t, buf)
	assert.EqualValues(t, 3, lines[0]["attempts"])
}

func TestRunReportsExhaustedRetries(t *testing.T) {
	cfg := testutil.TestConfig(1, 10)
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = time.Millisecond

	flaky := &flakyStore{InMemoryStorage: storage.NewInMemoryStorage(), failures: 5}
	r, buf := newTestRunner(t, cfg, flaky)

	sum, err := r.Run(context.Background(), strings.NewReader(`{"id":"a","key":"k","value":1}`), "-")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	lines := decodeLines(t, buf)
	assert.Equal(t, "store", lines[0]["stage"])
	assert.Equal(t, "storage", lines[0]["error_type"])
	assert.EqualValues(t, 2, lines[0]["attempts"])
	assert.Equal(t, 0, flaky.Len())
}

func TestRunRejectsMalformedInput(t *testing.T) {
	r, _ := newTestRunner(t, testutil.TestConfig(1, 10), storage.NewInMemoryStorage())
	_, err := r.Run(context.Background(), strings.NewReader(`{"id":"a","key":"k"}
{not json`), "-")
	assert.True(t, errors.IsType(err, errors.ErrorTypeSerialization))
}

func TestRunKeepsLargeIntegers(t *testing.T) {
	mem := storage.NewInMemoryStorage()
	r, buf := newTestRunner(t, testutil.TestConfig(1, 10), mem)

	_, err := r.Run(context.Background(),
		strings.NewReader(`{"id":"n-1","key":"k","value":{"big":9007199254740993,"small":7}}`), "-")
	require.NoError(t, err)

	stored, err := storage.Require(context.Background(), mem, "n-1")
	require.NoError(t, err)
	big, _ := stored.Field("big")
	assert.Equal(t, json.Number("9007199254740993"), big)
	small, _ := stored.Field("small")
	assert.Equal(t, json.Number("7"), small)
	assert.Contains(t, buf.String(), `"big":9007199254740993`)
}

func TestRunRetryLogCarriesRunAndRecord(t *testing.T) {
	cfg := testutil.TestConfig(1, 10)
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = time.Millisecond

	core, logs := observer.New(zap.WarnLevel)
	cached, err := storage.NewCachedStorage(&flakyStore{InMemoryStorage: storage.NewInMemoryStorage(), failures: 1}, 4)
	require.NoError(t, err)
	r, err := assemble(cfg, zap.New(core), nil, observability.Tracer(false), cached)
	require.NoError(t, err)
	r.enc = json.NewEncoder(&bytes.Buffer{})

	ctx := logger.ContextWithRun(context.Background(), "run-1")
	_, err = r.Run(ctx, strings.NewReader(`{"id":"a","key":"k","value":1}`), "-")
	require.NoError(t, err)

	retries := logs.FilterMessage("storage write failed, retrying").All()
	require.Len(t, retries, 1)
	fields := retries[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "a", fields["record_id"])
}
