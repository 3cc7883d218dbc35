package conduit

import (
	"context"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/observability"
)

// Version is the release version, overridden at link time.
var Version = "0.1.0"

type setupOptions struct {
	traceWriter io.Writer
	logOutputs  []string
}

// SetupOption adjusts Setup.
type SetupOption func(*setupOptions)

// WithTraceWriter sends exported spans to w instead of stdout.
func WithTraceWriter(w io.Writer) SetupOption {
	return func(o *setupOptions) { o.traceWriter = w }
}

// WithLogOutputs overrides the log sinks (zap output paths). Logs go to
// stderr by default so stdout stays free for command output.
func WithLogOutputs(paths ...string) SetupOption {
	return func(o *setupOptions) { o.logOutputs = paths }
}

// Setup performs one-time process setup for cfg: it initializes the global
// logger and, when tracing is enabled, installs the tracer provider. The
// returned func flushes both.
//
// Library packages never require Setup; they fall back to no-op loggers and
// tracers.
func Setup(_ context.Context, cfg *config.Config, opts ...SetupOption) (func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &setupOptions{logOutputs: []string{"stderr"}}
	for _, opt := range opts {
		opt(o)
	}

	obs := cfg.Observability
	if obs.EnableLogging {
		if err := logger.Init(logger.Config{
			Level:       obs.LogLevel,
			Encoding:    logEncoding(obs.LogFormat),
			OutputPaths: o.logOutputs,
		}); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
		}
	}

	var shutdownTracing func(context.Context) error
	if obs.EnableTracing {
		tc := observability.DefaultTracingConfig()
		tc.ServiceName = cfg.Name
		tc.ServiceVersion = Version
		tc.SamplingRate = obs.TracingSampleRate
		tc.Writer = o.traceWriter

		tp, err := observability.InitTracing(tc)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
		}
		shutdownTracing = func(ctx context.Context) error {
			return observability.Shutdown(ctx, tp)
		}
	}

	logger.Get().Info("conduit initialized",
		zap.String("name", cfg.Name),
		zap.String("version", Version),
		zap.Bool("tracing", obs.EnableTracing),
		zap.Bool("metrics", obs.EnableMetrics))

	return func(ctx context.Context) error {
		var err error
		if shutdownTracing != nil {
			err = multierr.Append(err, shutdownTracing(ctx))
		}
		return multierr.Append(err, observability.IgnoreSyncError(logger.Sync()))
	}, nil
}

func logEncoding(format string) string {
	if format == "text" || format == "console" {
		return "console"
	}
	return "json"
}
