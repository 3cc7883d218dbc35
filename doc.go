// Package conduit is an in-process record engine: records flow through
// validation, an ordered transform chain and storage, under a fixed limit on
// concurrent work.
//
// # Architecture
//
// The engine is built from small packages that only depend downward:
//
//	pkg/record       - Record with identity, payload, tags and lifecycle status
//	pkg/errors       - Typed error taxonomy with retryability and user/system split
//	pkg/config       - Immutable configuration with defaults and validation
//	pkg/transform    - Transform interface and built-in field transforms
//	pkg/validation   - Field rules, fail-fast or aggregated
//	pkg/processor    - Semaphore-bounded Process and ordered ProcessBatch
//	pkg/pipeline     - Validate -> transform -> store, fail fast
//	pkg/storage      - Storage interface, in-memory store, LRU CachedStorage
//	pkg/retry        - Exponential backoff policy driven by error type
//	pkg/metrics      - Prometheus recorder
//	pkg/observability - OpenTelemetry tracing
//
// Storage backends live under pkg/storage: redisstore, pgstore, sqlstore
// (SQLite and MySQL), mongostore and s3store. pkg/storage/backend selects one
// from configuration and wraps it with instrumentation and the cache.
//
// # Quick Start
//
//	cfg := config.Default()
//	shutdown, err := conduit.Setup(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer shutdown(ctx)
//
//	proc, _ := processor.New(cfg, logger.Get())
//	_ = proc.RegisterTransform(transform.Normalize("normalize", "email"))
//
//	store, _ := backend.OpenCached(ctx, cfg)
//	defer store.Close()
//
//	p, _ := pipeline.NewBuilder("ingest", logger.Get()).
//	    Validate(validation.NewValidator(validation.RequiredField{Field: "email"})).
//	    Process(proc).
//	    Store(store).
//	    Build()
//
//	out, err := p.Execute(ctx, record.New("user", map[string]interface{}{"email": "A@B.C"}))
//
// # Configuration
//
// Configuration is YAML with ${VAR_NAME} substitution; the conduit command
// additionally reads CONDUIT_* environment variables and a .env file.
package conduit
