// Package metrics provides Prometheus instrumentation for Conduit.
//
// A Recorder owns one set of collectors registered against a
// prometheus.Registerer. Components receive a *Recorder and call its hooks;
// every hook is a no-op on a nil Recorder, so metrics can be disabled by
// simply not passing one.
//
// # Basic Usage
//
//	rec := metrics.NewRecorder("conduit", prometheus.NewRegistry())
//	timer := metrics.NewTimer()
//	process(record)
//	rec.RecordProcessed(err == nil, timer.Stop())
//
// Default returns a process-wide Recorder registered with the default
// Prometheus registry, suitable for serving with promhttp.Handler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder groups every Conduit collector.
type Recorder struct {
	recordsProcessed   *prometheus.CounterVec
	processingDuration prometheus.Histogram
	batchesProcessed   prometheus.Counter
	batchSize          prometheus.Histogram
	batchDuration      prometheus.Histogram
	activeTasks        prometheus.Gauge
	storageOps         *prometheus.CounterVec
	storageDuration    *prometheus.HistogramVec
	cacheEvents        *prometheus.CounterVec
	validations        *prometheus.CounterVec
	transforms         *prometheus.CounterVec
	pipelineRuns       *prometheus.CounterVec
	errors             *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the Recorder registered with prometheus.DefaultRegisterer.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder("conduit", prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// NewRecorder registers a fresh set of collectors under namespace with reg.
// It panics if the collectors are already registered with reg, like
// promauto does.
func NewRecorder(namespace string, reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	latencyBuckets := []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	return &Recorder{
		recordsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Total number of records processed by outcome",
		}, []string{"status"}),
		processingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_processing_duration_seconds",
			Help:      "Time spent running the transform chain for one record",
			Buckets:   latencyBuckets,
		}),
		batchesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Total number of batches processed",
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of records per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a whole batch",
			Buckets:   latencyBuckets,
		}),
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Records currently holding a processing slot",
		}),
		storageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage operations by backend, operation and outcome",
		}, []string{"backend", "operation", "status"}),
		storageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation latency",
			Buckets:   latencyBuckets,
		}, []string{"backend", "operation"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Record cache hits, misses and evictions",
		}, []string{"event"}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validation runs by result",
		}, []string{"result"}),
		transforms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Transform applications by transform and outcome",
		}, []string{"transform", "status"}),
		pipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_executions_total",
			Help:      "Pipeline executions by pipeline and outcome",
		}, []string{"pipeline", "status"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by code",
		}, []string{"code"}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordProcessed counts one processed record and its duration.
func (r *Recorder) RecordProcessed(success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.recordsProcessed.WithLabelValues(status(success)).Inc()
	r.processingDuration.Observe(d.Seconds())
}

// RecordBatch counts one batch of size records.
func (r *Recorder) RecordBatch(size int, d time.Duration) {
	if r == nil {
		return
	}
	r.batchesProcessed.Inc()
	r.batchSize.Observe(float64(size))
	r.batchDuration.Observe(d.Seconds())
}

// SetActiveTasks reports the number of records holding a slot.
func (r *Recorder) SetActiveTasks(n int64) {
	if r == nil {
		return
	}
	r.activeTasks.Set(float64(n))
}

// RecordStorageOp counts one storage call.
func (r *Recorder) RecordStorageOp(backend, operation string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.storageOps.WithLabelValues(backend, operation, status(success)).Inc()
	r.storageDuration.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// RecordCacheHit counts a cache hit.
func (r *Recorder) RecordCacheHit() { r.cacheEvent("hit") }

// RecordCacheMiss counts a cache miss.
func (r *Recorder) RecordCacheMiss() { r.cacheEvent("miss") }

// RecordCacheEviction counts an LRU eviction.
func (r *Recorder) RecordCacheEviction() { r.cacheEvent("eviction") }

func (r *Recorder) cacheEvent(event string) {
	if r == nil {
		return
	}
	r.cacheEvents.WithLabelValues(event).Inc()
}

// RecordValidation counts one validator run.
func (r *Recorder) RecordValidation(passed bool) {
	if r == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	r.validations.WithLabelValues(result).Inc()
}

// RecordTransform counts one transform application.
func (r *Recorder) RecordTransform(name string, success bool) {
	if r == nil {
		return
	}
	r.transforms.WithLabelValues(name, status(success)).Inc()
}

// RecordPipeline counts one pipeline execution.
func (r *Recorder) RecordPipeline(name string, success bool) {
	if r == nil {
		return
	}
	r.pipelineRuns.WithLabelValues(name, status(success)).Inc()
}

// RecordError counts an error by its monitoring code.
func (r *Recorder) RecordError(code string) {
	if r == nil || code == "" {
		return
	}
	r.errors.WithLabelValues(code).Inc()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the time elapsed since NewTimer.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
