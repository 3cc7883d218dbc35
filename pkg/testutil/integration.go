package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/ajitpratap0/conduit/pkg/metrics"
)

// EngineSuite provides a context, logger and private metrics registry to
// suites that drive processors, pipelines and stores together.
type EngineSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	registry  *prometheus.Registry
	recorder  *metrics.Recorder
	startTime time.Time
}

// SetupTest runs before each test in the suite
func (s *EngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
	s.logger = TestLogger(s.T())
	s.registry = prometheus.NewRegistry()
	s.recorder = metrics.NewRecorder("suite", s.registry)
	s.startTime = time.Now()
}

// TearDownTest runs after each test in the suite
func (s *EngineSuite) TearDownTest() {
	s.cancel()
	s.T().Logf("test completed in %v", time.Since(s.startTime))
}

// Context returns the per-test context
func (s *EngineSuite) Context() context.Context {
	return s.ctx
}

// Logger returns the per-test logger
func (s *EngineSuite) Logger() *zap.Logger {
	return s.logger
}

// Recorder returns a metrics recorder bound to the per-test registry
func (s *EngineSuite) Recorder() *metrics.Recorder {
	return s.recorder
}

// Registry returns the per-test registry
func (s *EngineSuite) Registry() *prometheus.Registry {
	return s.registry
}

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireEnv returns the value of key or skips the test when it is unset.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	IntegrationTest(t)
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}
