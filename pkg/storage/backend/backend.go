// Package backend opens the storage backend named in the configuration and
// assembles the standard decorator stack around it.
//
// The stack, from the caller inward, is:
//
//	CachedStorage (LRU, write-through)
//	  -> Instrumented (timeout, metrics, spans)
//	    -> backend (memory, redis, postgres, sqlite, mysql, mongodb, s3)
package backend

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/conduit/pkg/compression"
	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/storage"
	"github.com/ajitpratap0/conduit/pkg/storage/mongostore"
	"github.com/ajitpratap0/conduit/pkg/storage/pgstore"
	"github.com/ajitpratap0/conduit/pkg/storage/redisstore"
	"github.com/ajitpratap0/conduit/pkg/storage/s3store"
	"github.com/ajitpratap0/conduit/pkg/storage/sqlstore"
)

// Supported backend names.
const (
	Memory   = "memory"
	Redis    = "redis"
	Postgres = "postgres"
	SQLite   = "sqlite"
	MySQL    = "mysql"
	MongoDB  = "mongodb"
	S3       = "s3"
)

// Names lists every supported backend.
var Names = []string{Memory, Redis, Postgres, SQLite, MySQL, MongoDB, S3}

type options struct {
	metrics *metrics.Recorder
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures OpenCached.
type Option func(*options)

// WithMetrics reports storage and cache metrics to rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithTracer traces every storage call.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithLogger logs backend selection.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Codec returns the record codec sc asks for: plain JSON unless compression
// is enabled.
func Codec(sc config.StorageConfig) (*storage.Codec, error) {
	if !sc.EnableCompression {
		return storage.JSONCodec(), nil
	}
	algo, err := compression.ParseAlgorithm(sc.CompressionAlgorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid storage.compression_algorithm")
	}
	return storage.NewCodec(algo)
}

// Open opens the bare backend selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "storage configuration is required")
	}
	sc := cfg.Storage
	codec, err := Codec(sc)
	if err != nil {
		return nil, err
	}

	switch name := strings.ToLower(sc.Backend); name {
	case "", Memory:
		return storage.NewInMemoryStorage(), nil
	case Redis:
		prefix := sc.Prefix
		if prefix == "" {
			prefix = sc.Table
		}
		return opened(redisstore.Open(ctx, sc.DSN, prefix, codec))
	case Postgres:
		return opened(pgstore.Open(ctx, sc.DSN, pgstore.Options{
			Table:          sc.Table,
			MaxConns:       int32(cfg.Performance.MaxWorkers),
			ConnectTimeout: cfg.Timeouts.Storage,
		}, codec))
	case SQLite:
		return opened(sqlstore.Open(ctx, sqlstore.SQLite, sc.DSN, sc.Table, codec))
	case MySQL:
		return opened(sqlstore.Open(ctx, sqlstore.MySQL, sc.DSN, sc.Table, codec))
	case MongoDB:
		return opened(mongostore.Open(ctx, sc.DSN, sc.Database, sc.Table, codec))
	case S3:
		return opened(s3store.Open(ctx, s3store.Options{
			Bucket:   sc.Bucket,
			Prefix:   sc.Prefix,
			Region:   sc.Region,
			Endpoint: sc.Endpoint,
		}, codec))
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown storage backend %q", sc.Backend).
			WithDetail("supported", strings.Join(Names, ", "))
	}
}

// opened drops the typed nil a failed constructor returns so callers never
// see a non-nil Storage next to an error.
func opened[S storage.Storage](s S, err error) (storage.Storage, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenCached opens the configured backend, bounds and instruments every call
// with cfg.Timeouts.Storage and fronts it with an LRU cache of
// cfg.CacheCapacity() entries.
func OpenCached(ctx context.Context, cfg *config.Config, opts ...Option) (*storage.CachedStorage, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	log := logger.Named(o.logger, "storage")

	raw, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	backendName := cfg.Storage.Backend
	if backendName == "" {
		backendName = Memory
	}

	inst := storage.Instrument(raw, backendName, cfg.Timeouts.Storage, o.metrics, o.tracer)
	cached, err := storage.NewCachedStorage(inst, cfg.CacheCapacity(), storage.WithCacheMetrics(o.metrics))
	if err != nil {
		_ = inst.Close()
		return nil, err
	}

	log.Info("storage opened",
		zap.String("backend", backendName),
		zap.Int("cache_capacity", cfg.CacheCapacity()),
		zap.Bool("compression", cfg.Storage.EnableCompression))
	return cached, nil
}
