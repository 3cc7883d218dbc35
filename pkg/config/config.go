// Package config provides the unified configuration for Conduit.
//
// A single Config structure is shared by the processor, the pipeline
// builder, the storage backends and the CLI. It is organized into sections:
//   - Performance: batch limit, worker slots, cache capacity
//   - Timeouts: slot acquisition and storage call bounds
//   - Reliability: backoff parameters
//   - Observability: metrics, tracing, logging
//   - Storage: backend selection and codec
//   - Pipeline: declarative validation and transform stages for the CLI
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Performance.MaxWorkers = 16
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// A Config is treated as immutable once it has been handed to a component.
package config

import (
	"runtime"
	"time"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

// Config is the root configuration structure.
type Config struct {
	// Name identifies this engine instance in logs and traces
	Name string `yaml:"name" json:"name"`

	Performance   PerformanceConfig   `yaml:"performance" json:"performance"`
	Timeouts      TimeoutConfig       `yaml:"timeouts" json:"timeouts"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline"`
}

// PerformanceConfig contains throughput and concurrency settings.
type PerformanceConfig struct {
	// MaxBatchSize is the largest batch ProcessBatch accepts
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// MaxWorkers is the number of concurrent processing slots
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// BufferSize sizes internal buffers and the default cache capacity
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// TimeoutConfig defines various timeout durations.
type TimeoutConfig struct {
	// Operation bounds how long Process waits for a free slot
	Operation time.Duration `yaml:"operation" json:"operation"`
	// Storage bounds each storage call made by pipelines
	Storage time.Duration `yaml:"storage" json:"storage"`
}

// ReliabilityConfig holds backoff parameters.
type ReliabilityConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier" json:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// ObservabilityConfig controls metrics, tracing and logging.
type ObservabilityConfig struct {
	EnableMetrics     bool    `yaml:"enable_metrics" json:"enable_metrics"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing"`
	EnableLogging     bool    `yaml:"enable_logging" json:"enable_logging"`
	LogLevel          string  `yaml:"log_level" json:"log_level"`
	LogFormat         string  `yaml:"log_format" json:"log_format"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	// MetricsAddr is the listen address of the /metrics endpoint; empty disables it
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of memory, redis, postgres, sqlite, mysql, mongodb, s3
	Backend string `yaml:"backend" json:"backend"`
	// DSN is the connection string or URL of the backend
	DSN string `yaml:"dsn" json:"dsn"`
	// Table is the table, collection or key namespace
	Table    string `yaml:"table" json:"table"`
	Database string `yaml:"database" json:"database"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// CacheSize is the LRU capacity; zero falls back to Performance.BufferSize
	CacheSize            int    `yaml:"cache_size" json:"cache_size"`
	EnableCompression    bool   `yaml:"enable_compression" json:"enable_compression"`
	CompressionAlgorithm string `yaml:"compression_algorithm" json:"compression_algorithm"`
}

// PipelineConfig declares the stages the CLI builds.
type PipelineConfig struct {
	Required  []string          `yaml:"required" json:"required"`
	NonEmpty  []string          `yaml:"non_empty" json:"non_empty"`
	Ranges    []RangeRule       `yaml:"ranges" json:"ranges"`
	Aggregate bool              `yaml:"aggregate" json:"aggregate"`
	Normalize []string          `yaml:"normalize" json:"normalize"`
	Enrich    map[string]string `yaml:"enrich" json:"enrich"`
	Rename    map[string]string `yaml:"rename" json:"rename"`
	Tags      map[string]string `yaml:"tags" json:"tags"`
	Drop      []string          `yaml:"drop" json:"drop"`
}

// RangeRule bounds a numeric field.
type RangeRule struct {
	Field string   `yaml:"field" json:"field"`
	Min   *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max   *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Name: "conduit",
		Performance: PerformanceConfig{
			MaxBatchSize: 100,
			MaxWorkers:   runtime.NumCPU(),
			BufferSize:   1000,
		},
		Timeouts: TimeoutConfig{
			Operation: 30 * time.Second,
			Storage:   10 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      100 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   10 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     true,
			EnableLogging:     true,
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
		Storage: StorageConfig{
			Backend:              "memory",
			Table:                "records",
			CompressionAlgorithm: "zstd",
		},
	}
}

// Validate checks the configuration and returns a config error describing
// the first invalid field.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is nil")
	}
	if c.Performance.MaxBatchSize <= 0 {
		return invalid("performance.max_batch_size", "must be positive", c.Performance.MaxBatchSize)
	}
	if c.Performance.MaxWorkers <= 0 {
		return invalid("performance.max_workers", "must be positive", c.Performance.MaxWorkers)
	}
	if c.Performance.BufferSize <= 0 {
		return invalid("performance.buffer_size", "must be positive", c.Performance.BufferSize)
	}
	if c.Timeouts.Operation <= 0 {
		return invalid("timeouts.operation", "must be positive", c.Timeouts.Operation)
	}
	if c.Timeouts.Storage <= 0 {
		return invalid("timeouts.storage", "must be positive", c.Timeouts.Storage)
	}
	if c.Reliability.RetryAttempts < 1 {
		return invalid("reliability.retry_attempts", "must be at least 1", c.Reliability.RetryAttempts)
	}
	if c.Reliability.RetryMultiplier < 1.0 {
		return invalid("reliability.retry_multiplier", "must be at least 1.0", c.Reliability.RetryMultiplier)
	}
	if c.Reliability.RetryDelay <= 0 {
		return invalid("reliability.retry_delay", "must be positive", c.Reliability.RetryDelay)
	}
	if c.Reliability.RetryDelay > c.Reliability.MaxRetryDelay {
		return invalid("reliability.retry_delay", "must not exceed max_retry_delay", c.Reliability.RetryDelay)
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return invalid("observability.tracing_sample_rate", "must be within [0, 1]", r)
	}
	if c.Storage.CacheSize < 0 {
		return invalid("storage.cache_size", "must not be negative", c.Storage.CacheSize)
	}
	return nil
}

// CacheCapacity returns the LRU capacity for cached storage.
func (c *Config) CacheCapacity() int {
	if c.Storage.CacheSize > 0 {
		return c.Storage.CacheSize
	}
	return c.Performance.BufferSize
}

func invalid(field, reason string, value interface{}) error {
	return errors.Newf(errors.ErrorTypeConfig, "%s %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value)
}
