// Package logger provides the process-wide zap logger for Conduit
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	nop          = zap.NewNop()
	once         sync.Once
	mu           sync.RWMutex
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the id of one CLI run
	RunIDKey contextKey = "run_id"
	// PipelineKey is the context key for the pipeline name
	PipelineKey contextKey = "pipeline"
	// RecordIDKey is the context key for the record being handled
	RecordIDKey contextKey = "record_id"
)

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init initializes the global logger. Only the first call has any effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = New(cfg)
		if err == nil {
			mu.Lock()
			globalLogger = l
			mu.Unlock()
		}
	})
	return err
}

// New builds a zap logger from cfg without touching the global one.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// Get returns the logger installed by Init, or a shared no-op logger when
// Init has not run. It never initializes anything itself.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		return nop
	}
	return globalLogger
}

// Named returns a child of l tagged with component, falling back to a no-op
// logger when l is nil.
func Named(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.With(zap.String("component", component))
}

// ContextWithRun tags ctx with a run id for WithContext.
func ContextWithRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

// ContextWithPipeline tags ctx with a pipeline name for WithContext.
func ContextWithPipeline(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, PipelineKey, name)
}

// ContextWithRecord tags ctx with a record id for WithContext.
func ContextWithRecord(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RecordIDKey, id)
}

// WithContext returns base, or the global logger when base is nil, with the
// run, pipeline and record ids found in ctx attached as fields.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	logger := base
	if logger == nil {
		logger = Get()
	}

	var fields []zap.Field
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		fields = append(fields, zap.String("run_id", runID))
	}
	if pipeline, ok := ctx.Value(PipelineKey).(string); ok {
		fields = append(fields, zap.String("pipeline", pipeline))
	}
	if recordID, ok := ctx.Value(RecordIDKey).(string); ok {
		fields = append(fields, zap.String("record_id", recordID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
