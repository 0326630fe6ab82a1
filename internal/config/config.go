// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - Provide New() to build a Config with defaults, Load(ctx) to layer
//     file and environment overrides on top.
//   - External errors must be wrapped via this package's error helpers.
package config

import "runtime"

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreBackend selects the event store: memory or sqlite.
	StoreBackend string `koanf:"store_backend"`

	// StorePath is the SQLite database path when StoreBackend is sqlite.
	StorePath string `koanf:"store_path"`

	// BatchSize caps events per projection batch.
	BatchSize int `koanf:"batch_size"`

	// FlushIntervalMS bounds how long a partial batch waits before
	// dispatch.
	FlushIntervalMS int `koanf:"flush_interval_ms"`

	// WorkerCount sets the number of partition workers.
	WorkerCount int `koanf:"worker_count"`

	// QueueDepth bounds each worker's batch queue.
	QueueDepth int `koanf:"queue_depth"`

	// HighWatermark and LowWatermark bound the backpressure hysteresis on
	// worker queue depth.
	HighWatermark int `koanf:"high_watermark"`
	LowWatermark  int `koanf:"low_watermark"`

	// MaxAttempts is the per-batch retry budget.
	MaxAttempts int `koanf:"max_attempts"`

	// RetryBaseMS is the initial retry backoff, doubled per attempt.
	RetryBaseMS int `koanf:"retry_base_ms"`

	// ErrorThreshold is the consecutive-failure count that fail-stops a
	// subscription.
	ErrorThreshold int `koanf:"error_threshold"`

	// MaxListLimit caps page sizes on list endpoints.
	MaxListLimit int `koanf:"max_list_limit"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":9080",
		StoreBackend:    StoreMemory,
		StorePath:       "stride.db",
		BatchSize:       100,
		FlushIntervalMS: 1000,
		WorkerCount:     runtime.NumCPU(),
		QueueDepth:      64,
		HighWatermark:   48,
		LowWatermark:    16,
		MaxAttempts:     3,
		RetryBaseMS:     50,
		ErrorThreshold:  5,
		MaxListLimit:    100,
	}
}
