// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strydehealth/stride/internal/config"
	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/eventstore"
	"github.com/strydehealth/stride/internal/pipeline"
	"github.com/strydehealth/stride/internal/projection"
	"github.com/strydehealth/stride/internal/subscription"
	"github.com/strydehealth/stride/internal/workqueue"
	"github.com/strydehealth/stride/pkg/logger"
	"github.com/strydehealth/stride/pkg/metrics"
)

// subscriptionName is the projection pipeline's cursor in the event log.
const subscriptionName = "projections"

// projectionHandler folds a batch into both read models, then re-scores the
// work queue for every patient the batch touched. Applying and scoring are
// idempotent, so retried batches converge.
type projectionHandler struct {
	adherence *projection.AdherenceEngine
	quality   *projection.QualityEngine
	scorer    *workqueue.Scorer
}

func (h *projectionHandler) HandleBatch(ctx context.Context, events []event.Event) error {
	touched := make(map[string]struct{})
	for _, e := range events {
		if _, err := h.adherence.Apply(ctx, e); err != nil {
			return fmt.Errorf("adherence apply: %w", err)
		}
		if _, err := h.quality.Apply(ctx, e); err != nil {
			return fmt.Errorf("quality apply: %w", err)
		}
		touched[e.StreamID] = struct{}{}
	}
	for patientID := range touched {
		row, ok := h.adherence.Get(patientID)
		if !ok {
			continue
		}
		if err := h.scorer.React(ctx, row, h.quality.ForPatient(patientID)); err != nil {
			return fmt.Errorf("work queue react: %w", err)
		}
	}
	return nil
}

// Reset clears both read models ahead of a rebuild. Work items are kept:
// they are human-facing state, not a projection.
func (h *projectionHandler) Reset() {
	h.adherence.Reset()
	h.quality.Reset()
}

// Service wires the event store, the projection pipeline and the work
// queue together and implements the API dependencies.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	store     eventstore.Store
	subs      *subscription.Manager
	adherence *projection.AdherenceEngine
	quality   *projection.QualityEngine
	workItems *workqueue.Store
	scorer    *workqueue.Scorer
	pipe      *pipeline.Pipeline

	started   bool
	runCancel context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the service configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithStore injects an event store, overriding the configured backend.
func WithStore(store eventstore.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		cfg: config.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.logger.Info(ctx, "starting event backbone...")

	if s.store == nil {
		switch s.cfg.StoreBackend {
		case config.StoreSQLite:
			store, err := eventstore.OpenSQLite(s.cfg.StorePath)
			if err != nil {
				return fmt.Errorf("opening sqlite store: %w", err)
			}
			s.store = store
			s.logger.Info(ctx, "using sqlite store", logger.String("path", s.cfg.StorePath))
		default:
			s.store = eventstore.NewMemoryStore()
			s.logger.Info(ctx, "using in-memory store")
		}
	}

	s.subs = subscription.NewManager(
		subscription.WithErrorThreshold(s.cfg.ErrorThreshold),
		subscription.WithLogger(s.logger.Named("subscription")),
	)
	s.adherence = projection.NewAdherenceEngine()
	s.quality = projection.NewQualityEngine()
	s.workItems = workqueue.NewStore()
	s.scorer = workqueue.NewScorer(s.workItems,
		workqueue.WithScorerLogger(s.logger.Named("workqueue")),
	)

	handler := &projectionHandler{
		adherence: s.adherence,
		quality:   s.quality,
		scorer:    s.scorer,
	}
	s.pipe = pipeline.New(s.store, s.subs, subscriptionName, handler,
		pipeline.WithBatchSize(s.cfg.BatchSize),
		pipeline.WithFlushInterval(time.Duration(s.cfg.FlushIntervalMS)*time.Millisecond),
		pipeline.WithWorkerCount(s.cfg.WorkerCount),
		pipeline.WithQueueDepth(s.cfg.QueueDepth),
		pipeline.WithWatermarks(s.cfg.HighWatermark, s.cfg.LowWatermark),
		pipeline.WithMaxAttempts(s.cfg.MaxAttempts),
		pipeline.WithRetryBase(time.Duration(s.cfg.RetryBaseMS)*time.Millisecond),
		pipeline.WithPipelineLogger(s.logger.Named("pipeline")),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	go s.pipe.Run(runCtx)

	s.started = true
	s.logger.Info(ctx, "event backbone started",
		logger.Int("workers", s.cfg.WorkerCount),
		logger.Int("batch_size", s.cfg.BatchSize),
		logger.String("store", s.cfg.StoreBackend),
	)
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping event backbone...")

	if err := s.pipe.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "pipeline shutdown", logger.Error(err))
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "closing store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "event backbone stopped")
}

// Append writes events to a stream with optimistic concurrency control.
func (s *Service) Append(ctx context.Context, streamID string, expectedVersion uint64, events []event.Event) (eventstore.AppendResult, error) {
	return s.store.Append(ctx, streamID, expectedVersion, events)
}

// ReadStream returns a stream's events from the given version.
func (s *Service) ReadStream(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	return s.store.Read(ctx, streamID, fromVersion, limit)
}

// StreamInfo returns stream metadata.
func (s *Service) StreamInfo(ctx context.Context, streamID string) (eventstore.Stream, error) {
	return s.store.StreamInfo(ctx, streamID)
}

// Adherence returns a patient's adherence read model.
func (s *Service) Adherence(patientID string) (projection.AdherenceRow, bool) {
	return s.adherence.Get(patientID)
}

// Quality returns one patient+exercise quality row.
func (s *Service) Quality(patientID, exerciseID string) (projection.QualityRow, bool) {
	return s.quality.Get(patientID, exerciseID)
}

// QualityForPatient returns all quality rows for a patient.
func (s *Service) QualityForPatient(patientID string) []projection.QualityRow {
	return s.quality.ForPatient(patientID)
}

// AdherenceUpdatedSince returns adherence rows updated at or after cutoff,
// capped at the configured list limit.
func (s *Service) AdherenceUpdatedSince(cutoff time.Time) []projection.AdherenceRow {
	rows := s.adherence.UpdatedSince(cutoff)
	if s.cfg.MaxListLimit > 0 && len(rows) > s.cfg.MaxListLimit {
		rows = rows[:s.cfg.MaxListLimit]
	}
	return rows
}

// Positions returns the log head and the projection checkpoint, for lag
// reporting on query responses.
func (s *Service) Positions(ctx context.Context) (head, checkpoint uint64, err error) {
	head, err = s.store.Head(ctx)
	if err != nil {
		return 0, 0, err
	}
	checkpoint, err = s.subs.Checkpoint(subscriptionName)
	if err != nil {
		return 0, 0, err
	}
	return head, checkpoint, nil
}

// WorkItems lists work items matching the filter, highest priority first,
// capped at the configured list limit.
func (s *Service) WorkItems(ctx context.Context, f workqueue.ListFilter) ([]workqueue.Item, error) {
	items, err := s.workItems.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxListLimit > 0 && len(items) > s.cfg.MaxListLimit {
		items = items[:s.cfg.MaxListLimit]
	}
	return items, nil
}

// StartWorkItem marks an item in progress.
func (s *Service) StartWorkItem(ctx context.Context, id string) (workqueue.Item, error) {
	return s.workItems.Start(ctx, id)
}

// CompleteWorkItem resolves an item as done.
func (s *Service) CompleteWorkItem(ctx context.Context, id string) (workqueue.Item, error) {
	return s.workItems.Complete(ctx, id)
}

// DismissWorkItem resolves an item as not actionable.
func (s *Service) DismissWorkItem(ctx context.Context, id string) (workqueue.Item, error) {
	return s.workItems.Dismiss(ctx, id)
}

// OverrideWorkItem pins an item's priority level until expiresAt.
func (s *Service) OverrideWorkItem(ctx context.Context, id string, level workqueue.Level, expiresAt time.Time) (workqueue.Item, error) {
	return s.workItems.SetOverride(ctx, id, level, expiresAt)
}

// Subscriptions lists all registered subscriptions.
func (s *Service) Subscriptions() []subscription.Subscription {
	return s.subs.List()
}

// PauseSubscription suspends a subscription's pulling.
func (s *Service) PauseSubscription(ctx context.Context, name string) error {
	return s.subs.Pause(ctx, name)
}

// ResumeSubscription resumes a paused or failed subscription.
func (s *Service) ResumeSubscription(ctx context.Context, name string) error {
	return s.subs.Resume(ctx, name)
}

// RebuildSubscription restarts the projection pipeline from the beginning
// of the log.
func (s *Service) RebuildSubscription(ctx context.Context, name string) error {
	if name != subscriptionName {
		return subscription.ErrUnknownSubscription
	}
	return s.pipe.Rebuild(ctx)
}

// DeadLetters lists events the pipeline gave up on.
func (s *Service) DeadLetters(ctx context.Context) ([]pipeline.DeadLetterRecord, error) {
	return s.pipe.DeadLetters().List(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":      s.started,
		"worker_count": s.cfg.WorkerCount,
		"batch_size":   s.cfg.BatchSize,
		"store":        s.cfg.StoreBackend,
	}
	if !s.started {
		return stats
	}

	head, err := s.store.Head(ctx)
	if err == nil {
		stats["head_sequence"] = head
		metrics.UpdateHeadSequence(head)
	}
	if cp, err := s.subs.Checkpoint(subscriptionName); err == nil {
		stats["checkpoint"] = cp
		if head >= cp {
			stats["projection_lag"] = head - cp
		}
	}
	stats["adherence_rows"] = s.adherence.Rows()
	stats["quality_rows"] = s.quality.Rows()
	stats["active_work_items"] = s.workItems.ActiveCount()
	stats["dead_letters"] = s.pipe.DeadLetters().Len()
	stats["worker_queue_depths"] = s.pipe.QueueDepths()
	return stats
}
