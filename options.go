package quiver

import (
	"log/slog"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/config"
)

type options struct {
	config           config.Config
	metricsCollector MetricsCollector
	logger           *Logger
	manifestStore    blobstore.Store
	manifestKeep     int
}

// Option configures Open behavior.
type Option func(*options)

// WithConfig replaces the default engine configuration wholesale. The
// configuration is validated by Open.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithManifestStore routes manifest blobs through the given store instead of
// the local filesystem under the data directory. Use this to place the
// commit point on S3 (with the DynamoDB commit log) or MinIO.
func WithManifestStore(store blobstore.Store) Option {
	return func(o *options) {
		o.manifestStore = store
	}
}

// WithManifestRetention sets how many historical manifest versions survive a
// prune. The current version is always kept.
func WithManifestRetention(keep int) Option {
	return func(o *options) {
		if keep > 0 {
			o.manifestKeep = keep
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &quiver.BasicMetricsCollector{}
//	eng, _ := quiver.Open(dir, quiver.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("Writes: %d, Avg latency: %dns\n", stats.WriteCount, stats.WriteAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := quiver.NewJSONLogger(slog.LevelInfo)
//	eng, _ := quiver.Open(dir, quiver.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config:           config.DefaultConfig(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		manifestKeep:     4,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
