// Package metrics provides Prometheus metrics for the STRIDE clinical event backend.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the STRIDE service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Event Store Metrics
	appendsTotal    prometheus.Counter
	appendConflicts prometheus.Counter
	appendLatency   prometheus.Histogram
	eventsAppended  prometheus.Counter
	headSequence    prometheus.Gauge
	streamsTotal    prometheus.Gauge
	snapshotsSaved  prometheus.Counter

	// Subscription Metrics
	subscriptionLag      *prometheus.GaugeVec
	subscriptionPosition *prometheus.GaugeVec
	subscriptionErrors   *prometheus.CounterVec
	rebuildProgress      *prometheus.GaugeVec

	// Pipeline Metrics
	batchesProcessed   prometheus.Counter
	batchesFailed      prometheus.Counter
	batchCommitLatency prometheus.Histogram
	batchSize          prometheus.Histogram
	workerQueueDepth   *prometheus.GaugeVec
	backpressurePauses prometheus.Counter
	batchRetries       prometheus.Counter
	deadLetterTotal    prometheus.Counter

	// Projection Metrics
	projectionApplies *prometheus.CounterVec
	projectionSkips   *prometheus.CounterVec
	projectionErrors  *prometheus.CounterVec
	projectionRows    *prometheus.GaugeVec
	projectionLagMs   prometheus.Gauge

	// Work-Queue Metrics
	workItemsCreated    prometheus.Counter
	workItemsUpdated    prometheus.Counter
	workItemsSuperseded prometheus.Counter
	workItemsActive     *prometheus.GaugeVec

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Component Error Metrics
	errorsByComponent *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "stride",
		subsystem:        "eventlog",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // metrics registration is inherently long
	auto := promauto.With(m.registry)

	// Event store metrics.
	m.appendsTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "appends_total",
		Help:      "Total number of successful append calls",
	})

	m.appendConflicts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "append_conflicts_total",
		Help:      "Total number of appends rejected by the optimistic version check",
	})

	m.appendLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "append_latency_milliseconds",
		Help:      "Histogram of append commit latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.eventsAppended = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "events_appended_total",
		Help:      "Total number of events committed to the log",
	})

	m.headSequence = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "head_global_sequence",
		Help:      "Highest global sequence number assigned by the store",
	})

	m.streamsTotal = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "streams_total",
		Help:      "Number of streams known to the store",
	})

	m.snapshotsSaved = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "snapshots_saved_total",
		Help:      "Total number of stream snapshots saved",
	})

	// Subscription metrics.
	m.subscriptionLag = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "subscription_lag_events",
			Help:      "Events between the store head and the subscription checkpoint",
		},
		[]string{"subscription"},
	)

	m.subscriptionPosition = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "subscription_position",
			Help:      "Last seen global sequence per subscription",
		},
		[]string{"subscription"},
	)

	m.subscriptionErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "subscription_errors_total",
			Help:      "Downstream failures recorded per subscription",
		},
		[]string{"subscription"},
	)

	m.rebuildProgress = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "subscription_rebuild_progress_ratio",
			Help:      "Rebuild progress as processed/total events",
		},
		[]string{"subscription"},
	)

	// Pipeline metrics.
	m.batchesProcessed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batches_processed_total",
		Help:      "Total number of batches committed by the pipeline",
	})

	m.batchesFailed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batches_failed_total",
		Help:      "Total number of batch attempts that failed",
	})

	m.batchCommitLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batch_commit_latency_milliseconds",
		Help:      "Latency from batch pull to checkpoint commit in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.batchSize = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batch_size_events",
		Help:      "Number of events per pulled batch",
		Buckets:   []float64{1, 5, 10, 25, 50, 75, 100, 150, 200},
	})

	m.workerQueueDepth = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "worker_queue_depth_batches",
			Help:      "Pending partition batches per worker",
		},
		[]string{"worker_id"},
	)

	m.backpressurePauses = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "backpressure_pauses_total",
		Help:      "Times the puller paused because a worker crossed the high watermark",
	})

	m.batchRetries = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batch_retries_total",
		Help:      "Total number of batch retry attempts",
	})

	m.deadLetterTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "dead_letter_events_total",
		Help:      "Events isolated to the dead-letter store",
	})

	// Projection metrics.
	m.projectionApplies = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_applies_total",
			Help:      "Events applied per projection engine",
		},
		[]string{"engine"},
	)

	m.projectionSkips = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_skips_total",
			Help:      "Events skipped by the idempotence short-circuit per engine",
		},
		[]string{"engine"},
	)

	m.projectionErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_errors_total",
			Help:      "Apply failures per projection engine",
		},
		[]string{"engine"},
	)

	m.projectionRows = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_rows",
			Help:      "Materialized rows per projection engine",
		},
		[]string{"engine"},
	)

	m.projectionLagMs = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "projection_lag_milliseconds",
		Help:      "Age of the oldest unprojected event in milliseconds",
	})

	// Work-queue metrics.
	m.workItemsCreated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "work_items_created_total",
		Help:      "Work-queue items created by the priority scorer",
	})

	m.workItemsUpdated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "work_items_updated_total",
		Help:      "Work-queue items updated in place via deduplication",
	})

	m.workItemsSuperseded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "work_items_superseded_total",
		Help:      "Work-queue items superseded by newer items",
	})

	m.workItemsActive = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "work_items_active",
			Help:      "Active (non-terminal) work-queue items per priority level",
		},
		[]string{"level"},
	)

	// HTTP metrics.
	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by endpoint and method",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_request_duration_milliseconds",
			Help:      "HTTP request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	// Component errors.
	m.errorsByComponent = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_by_component_total",
			Help:      "Errors by component and error type",
		},
		[]string{"component", "error_type"},
	)

	// System metrics.
	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_memory_usage_bytes",
		Help:      "System memory usage in bytes",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_goroutine_count",
		Help:      "Number of goroutines",
	})
}

// Event store functions.

// RecordAppend increments the successful append counter.
func RecordAppend() { globalManager.appendsTotal.Inc() }

// RecordAppendConflict increments the optimistic conflict counter.
func RecordAppendConflict() { globalManager.appendConflicts.Inc() }

// RecordAppendLatency records append commit latency in milliseconds.
func RecordAppendLatency(latencyMs float64) { globalManager.appendLatency.Observe(latencyMs) }

// RecordEventsAppended adds to the committed events counter.
func RecordEventsAppended(n int) { globalManager.eventsAppended.Add(float64(n)) }

// UpdateHeadSequence sets the highest assigned global sequence.
func UpdateHeadSequence(seq uint64) { globalManager.headSequence.Set(float64(seq)) }

// UpdateStreamsTotal sets the number of known streams.
func UpdateStreamsTotal(n int) { globalManager.streamsTotal.Set(float64(n)) }

// RecordSnapshotSaved increments the snapshot counter.
func RecordSnapshotSaved() { globalManager.snapshotsSaved.Inc() }

// Subscription functions.

// UpdateSubscriptionLag sets the event lag for a subscription.
func UpdateSubscriptionLag(name string, lag uint64) {
	globalManager.subscriptionLag.WithLabelValues(name).Set(float64(lag))
}

// UpdateSubscriptionPosition sets the checkpoint position for a subscription.
func UpdateSubscriptionPosition(name string, pos uint64) {
	globalManager.subscriptionPosition.WithLabelValues(name).Set(float64(pos))
}

// RecordSubscriptionError increments the failure counter for a subscription.
func RecordSubscriptionError(name string) {
	globalManager.subscriptionErrors.WithLabelValues(name).Inc()
}

// UpdateRebuildProgress sets the rebuild progress ratio for a subscription.
func UpdateRebuildProgress(name string, ratio float64) {
	globalManager.rebuildProgress.WithLabelValues(name).Set(ratio)
}

// Pipeline functions.

// RecordBatchProcessed increments the committed batch counter.
func RecordBatchProcessed() { globalManager.batchesProcessed.Inc() }

// RecordBatchFailed increments the failed batch attempt counter.
func RecordBatchFailed() { globalManager.batchesFailed.Inc() }

// RecordBatchCommitLatency records pull-to-commit latency in milliseconds.
func RecordBatchCommitLatency(latencyMs float64) {
	globalManager.batchCommitLatency.Observe(latencyMs)
}

// RecordBatchSize records the number of events in a pulled batch.
func RecordBatchSize(n int) { globalManager.batchSize.Observe(float64(n)) }

// UpdateWorkerQueueDepth sets the pending batch depth for a worker.
func UpdateWorkerQueueDepth(workerID string, depth int) {
	globalManager.workerQueueDepth.WithLabelValues(workerID).Set(float64(depth))
}

// RecordBackpressurePause increments the backpressure pause counter.
func RecordBackpressurePause() { globalManager.backpressurePauses.Inc() }

// RecordBatchRetry increments the batch retry counter.
func RecordBatchRetry() { globalManager.batchRetries.Inc() }

// RecordDeadLetter increments the dead-letter event counter.
func RecordDeadLetter() { globalManager.deadLetterTotal.Inc() }

// Projection functions.

// RecordProjectionApply increments the apply counter for an engine.
func RecordProjectionApply(engine string) {
	globalManager.projectionApplies.WithLabelValues(engine).Inc()
}

// RecordProjectionSkip increments the idempotent skip counter for an engine.
func RecordProjectionSkip(engine string) {
	globalManager.projectionSkips.WithLabelValues(engine).Inc()
}

// RecordProjectionError increments the apply error counter for an engine.
func RecordProjectionError(engine string) {
	globalManager.projectionErrors.WithLabelValues(engine).Inc()
}

// UpdateProjectionRows sets the materialized row count for an engine.
func UpdateProjectionRows(engine string, n int) {
	globalManager.projectionRows.WithLabelValues(engine).Set(float64(n))
}

// UpdateProjectionLag sets the projection lag in milliseconds.
func UpdateProjectionLag(lagMs float64) { globalManager.projectionLagMs.Set(lagMs) }

// Work-queue functions.

// RecordWorkItemCreated increments the created item counter.
func RecordWorkItemCreated() { globalManager.workItemsCreated.Inc() }

// RecordWorkItemUpdated increments the in-place update counter.
func RecordWorkItemUpdated() { globalManager.workItemsUpdated.Inc() }

// RecordWorkItemSuperseded increments the supersession counter.
func RecordWorkItemSuperseded() { globalManager.workItemsSuperseded.Inc() }

// UpdateWorkItemsActive sets the active item count for a priority level.
func UpdateWorkItemsActive(level string, n int) {
	globalManager.workItemsActive.WithLabelValues(level).Set(float64(n))
}

// HTTP functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Error functions.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
