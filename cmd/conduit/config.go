package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/conduit/pkg/config"
)

const envPrefix = "CONDUIT"

// override copies one viper key onto the configuration when it was set by an
// environment variable or an explicitly passed flag.
type override struct {
	key   string
	flag  string
	apply func(v *viper.Viper, key string, cfg *config.Config)
}

var overrides = []override{
	{"performance.max_batch_size", "batch-size", func(v *viper.Viper, k string, c *config.Config) {
		c.Performance.MaxBatchSize = v.GetInt(k)
	}},
	{"performance.max_workers", "workers", func(v *viper.Viper, k string, c *config.Config) {
		c.Performance.MaxWorkers = v.GetInt(k)
	}},
	{"timeouts.operation", "operation-timeout", func(v *viper.Viper, k string, c *config.Config) {
		c.Timeouts.Operation = v.GetDuration(k)
	}},
	{"timeouts.storage", "storage-timeout", func(v *viper.Viper, k string, c *config.Config) {
		c.Timeouts.Storage = v.GetDuration(k)
	}},
	{"observability.log_level", "log-level", func(v *viper.Viper, k string, c *config.Config) {
		c.Observability.LogLevel = v.GetString(k)
	}},
	{"observability.enable_metrics", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Observability.EnableMetrics = v.GetBool(k)
	}},
	{"observability.enable_tracing", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Observability.EnableTracing = v.GetBool(k)
	}},
	{"observability.metrics_addr", "metrics-addr", func(v *viper.Viper, k string, c *config.Config) {
		c.Observability.MetricsAddr = v.GetString(k)
	}},
	{"storage.backend", "backend", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.Backend = v.GetString(k)
	}},
	{"storage.dsn", "dsn", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.DSN = v.GetString(k)
	}},
	{"storage.table", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.Table = v.GetString(k)
	}},
	{"storage.bucket", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.Bucket = v.GetString(k)
	}},
	{"storage.region", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.Region = v.GetString(k)
	}},
	{"storage.endpoint", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.Endpoint = v.GetString(k)
	}},
	{"storage.enable_compression", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.EnableCompression = v.GetBool(k)
	}},
	{"storage.compression_algorithm", "", func(v *viper.Viper, k string, c *config.Config) {
		c.Storage.CompressionAlgorithm = v.GetString(k)
	}},
}

// newViper returns a viper instance reading CONDUIT_* variables, with
// storage.backend mapped to CONDUIT_STORAGE_BACKEND, and bound to the
// matching flags in fs.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		if o.flag == "" || fs == nil {
			continue
		}
		if f := fs.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// loadConfig reads path (or the defaults when empty), applies environment and
// flag overrides and validates the result.
func loadConfig(v *viper.Viper, path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(v, o.key, cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
