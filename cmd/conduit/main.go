package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/conduit"
	"github.com/ajitpratap0/conduit/pkg/config"
	"github.com/ajitpratap0/conduit/pkg/logger"
	"github.com/ajitpratap0/conduit/pkg/metrics"
	"github.com/ajitpratap0/conduit/pkg/retry"
	"github.com/ajitpratap0/conduit/pkg/storage/backend"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - bounded-concurrency record engine",
		Long: `Conduit validates, transforms and stores records with a fixed limit on
concurrent work, write-through LRU caching and retry with backoff.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults when empty)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newBackoffCmd(&configPath))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conduit v%s\n", conduit.Version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var inputPath, outputPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process JSON-lines records and store them",
		Long: `Run reads JSON-lines records ({"id","key","value","tags"}), validates them
against the pipeline section of the configuration, processes them in batches
of performance.max_batch_size and writes every completed record to the
configured storage backend. One JSON result per record is printed, followed
by a summary.

Example:
  conduit run --config conduit.yaml --input records.jsonl --backend sqlite --dsn conduit.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v, *configPath)
			if err != nil {
				return err
			}
			return runRecords(cmd.Context(), cfg, inputPath, outputPath)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&inputPath, "input", "i", "-", "JSON-lines input file, - for stdin")
	f.StringVarP(&outputPath, "output", "o", "-", "Result output file, - for stdout")
	f.Int("batch-size", 0, "Override performance.max_batch_size")
	f.Int("workers", 0, "Override performance.max_workers")
	f.Duration("operation-timeout", 0, "Override timeouts.operation")
	f.Duration("storage-timeout", 0, "Override timeouts.storage")
	f.String("log-level", "", "Override observability.log_level (debug, info, warn, error)")
	f.String("metrics-addr", "", "Serve Prometheus /metrics on this address while running")
	f.String("backend", "", "Override storage.backend ("+joinNames()+")")
	f.String("dsn", "", "Override storage.dsn")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(nil)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v, *configPath)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newBackoffCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backoff",
		Short: "Print the backoff delay for each attempt of the configured retry policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(nil)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v, *configPath)
			if err != nil {
				return err
			}
			policy := retry.FromConfig(cfg.Reliability)
			if err := policy.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, d := range policy.Delays() {
				fmt.Fprintf(out, "attempt %d: %s\n", i, d)
			}
			return nil
		},
	}
}

func runRecords(ctx context.Context, cfg *config.Config, inputPath, outputPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := conduit.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	ctx = logger.ContextWithRun(ctx, uuid.NewString())
	log := logger.Named(logger.Get(), "cli").With(
		zap.String("backend", cfg.Storage.Backend),
		zap.String("input", inputPath))
	runLog := logger.WithContext(ctx, log)

	var rec *metrics.Recorder
	if cfg.Observability.EnableMetrics {
		rec = metrics.Default()
		if addr := cfg.Observability.MetricsAddr; addr != "" {
			stopMetrics := serveMetrics(ctx, addr, prometheus.DefaultGatherer, log)
			defer stopMetrics()
		}
	}

	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer closeOut()

	r, err := newRunner(ctx, cfg, log, rec, out)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
	}()

	runLog.Info("starting run",
		zap.Int("max_batch_size", cfg.Performance.MaxBatchSize),
		zap.Int("max_workers", cfg.Performance.MaxWorkers))

	sum, err := r.Run(ctx, in, inputPath)
	if err != nil {
		return err
	}
	runLog.Info("run completed",
		zap.Int("total", sum.Total),
		zap.Int("failed", sum.Failed),
		zap.Float64("records_per_second", float64(sum.Total)/max(sum.Seconds, 1e-9)))
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d records failed", sum.Failed, sum.Total)
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func joinNames() string {
	return strings.Join(backend.Names, ", ")
}
