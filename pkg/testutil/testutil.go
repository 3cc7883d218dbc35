// Package testutil provides testing utilities for Conduit
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/record"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// TestConfig returns a valid configuration with global metrics and tracing
// switched off and short timeouts.
func TestConfig(workers, batch int) *config.Config {
	cfg := config.Default()
	cfg.Performance.MaxWorkers = workers
	cfg.Performance.MaxBatchSize = batch
	cfg.Timeouts.Operation = 2 * time.Second
	cfg.Timeouts.Storage = time.Second
	cfg.Observability.EnableMetrics = false
	cfg.Observability.EnableTracing = false
	return cfg
}

// TestRecorder returns a metrics recorder on a private registry.
func TestRecorder(t *testing.T) (*metrics.Recorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return metrics.NewRecorder("test", reg), reg
}

// Records builds n pending records with ids "<prefix>-<i>" and an object
// payload {"n": i}.
func Records(prefix string, n int) []*record.Record {
	out := make([]*record.Record, n)
	for i := range out {
		out[i] = record.New(fmt.Sprintf("%s:%d", prefix, i),
			map[string]interface{}{"n": float64(i)},
			record.WithID(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return out
}

// ConcurrencyGauge tracks how many callers are inside Enter/Leave at once
// and the highest count seen.
type ConcurrencyGauge struct {
	current int64
	mu      sync.Mutex
	peak    int64
}

// Enter marks one more caller inside.
func (c *ConcurrencyGauge) Enter() {
	n := atomic.AddInt64(&c.current, 1)
	c.mu.Lock()
	if n > c.peak {
		c.peak = n
	}
	c.mu.Unlock()
}

// Leave marks one caller gone.
func (c *ConcurrencyGauge) Leave() {
	atomic.AddInt64(&c.current, -1)
}

// Peak returns the highest concurrency observed.
func (c *ConcurrencyGauge) Peak() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
