// Package subscription tracks named consumer positions over the global log.
//
// Each named subscription holds exactly one logical cursor. The cursor is
// advanced only after the corresponding batch's projection writes are
// durably committed, which gives consumers at-least-once delivery.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/strydehealth/stride/pkg/logger"
	"github.com/strydehealth/stride/pkg/metrics"
)

// Status describes the lifecycle state of a subscription.
type Status string

const (
	// StatusActive means the subscription is pulling events.
	StatusActive Status = "active"
	// StatusPaused means pulling is suspended until Resume.
	StatusPaused Status = "paused"
	// StatusError means repeated failures crossed the threshold and the
	// subscription halted (fail-stop). Manual Resume is required.
	StatusError Status = "error"
)

// Default configuration constants.
const (
	defaultErrorThreshold = 5
)

// Subscription records a named consumer's position and health.
type Subscription struct {
	Name                   string    `json:"name"`
	LastSeenGlobalSequence uint64    `json:"last_seen_global_sequence"`
	Status                 Status    `json:"status"`
	ErrorCount             int       `json:"error_count"`
	LastError              string    `json:"last_error,omitempty"`
	Rebuilding             bool      `json:"rebuilding"`
	ProcessedEvents        uint64    `json:"processed_events"`
	TotalEvents            uint64    `json:"total_events"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Manager owns the subscription registry. All mutations go through it; the
// pipeline never touches cursor state directly.
type Manager struct {
	mu             sync.RWMutex
	subs           map[string]*Subscription
	errorThreshold int
	clock          func() time.Time
	logger         logger.Logger
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithErrorThreshold sets the consecutive-failure count that halts a
// subscription.
func WithErrorThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.errorThreshold = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates an empty subscription registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subs:           make(map[string]*Subscription),
		errorThreshold: defaultErrorThreshold,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Get().Named("subscription")
	}
	return m
}

// Register creates a subscription at position 0. Registering an existing
// name is a no-op and returns the current record.
func (m *Manager) Register(ctx context.Context, name string) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.subs[name]; ok {
		return *s
	}
	s := &Subscription{
		Name:      name,
		Status:    StatusActive,
		UpdatedAt: m.clock(),
	}
	m.subs[name] = s
	m.logger.Info(ctx, "subscription registered", logger.String("name", name))
	return *s
}

// Checkpoint returns the last seen global sequence for a subscription.
func (m *Manager) Checkpoint(name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[name]
	if !ok {
		return 0, ErrUnknownSubscription
	}
	return s.LastSeenGlobalSequence, nil
}

// Advance moves the cursor forward. Positions only move forward; the global
// sequence is gapless, so the position delta equals the number of events
// consumed, which also feeds rebuild progress.
func (m *Manager) Advance(ctx context.Context, name string, newPosition uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	if newPosition <= s.LastSeenGlobalSequence {
		return ErrMonotonicAdvance
	}
	delta := newPosition - s.LastSeenGlobalSequence
	s.LastSeenGlobalSequence = newPosition
	s.ProcessedEvents += delta
	s.UpdatedAt = m.clock()

	if s.Rebuilding {
		if s.TotalEvents > 0 {
			metrics.UpdateRebuildProgress(name, float64(s.ProcessedEvents)/float64(s.TotalEvents))
		}
		if newPosition >= s.TotalEvents {
			// Caught up: switch transparently to live tailing.
			s.Rebuilding = false
			metrics.UpdateRebuildProgress(name, 1)
			m.logger.Info(ctx, "rebuild caught up",
				logger.String("name", name),
				logger.Uint64("position", newPosition),
			)
		}
	}
	metrics.UpdateSubscriptionPosition(name, newPosition)
	return nil
}

// Pause suspends pulling for a subscription.
func (m *Manager) Pause(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	s.Status = StatusPaused
	s.UpdatedAt = m.clock()
	m.logger.Info(ctx, "subscription paused", logger.String("name", name))
	return nil
}

// Resume reactivates a paused or halted subscription and clears its error
// state.
func (m *Manager) Resume(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	s.Status = StatusActive
	s.ErrorCount = 0
	s.LastError = ""
	s.UpdatedAt = m.clock()
	m.logger.Info(ctx, "subscription resumed", logger.String("name", name))
	return nil
}

// StartRebuild resets the cursor to 0 and tracks progress against the log
// head at rebuild start. Re-delivered events are absorbed by projection
// idempotence, not by any rebuild special-casing.
func (m *Manager) StartRebuild(ctx context.Context, name string, totalEvents uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	s.LastSeenGlobalSequence = 0
	// An empty log has nothing to replay; the rebuild is already complete.
	s.Rebuilding = totalEvents > 0
	s.ProcessedEvents = 0
	s.TotalEvents = totalEvents
	s.UpdatedAt = m.clock()
	if totalEvents == 0 {
		metrics.UpdateRebuildProgress(name, 1)
	} else {
		metrics.UpdateRebuildProgress(name, 0)
	}
	metrics.UpdateSubscriptionPosition(name, 0)
	m.logger.Info(ctx, "rebuild started",
		logger.String("name", name),
		logger.Uint64("total_events", totalEvents),
	)
	return nil
}

// RecordFailure counts a downstream failure. Crossing the threshold
// transitions the subscription to error status: it stops pulling rather
// than silently dropping data.
func (m *Manager) RecordFailure(ctx context.Context, name string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	s.ErrorCount++
	if cause != nil {
		s.LastError = cause.Error()
	}
	s.UpdatedAt = m.clock()
	metrics.RecordSubscriptionError(name)

	if s.ErrorCount >= m.errorThreshold && s.Status == StatusActive {
		s.Status = StatusError
		m.logger.Error(ctx, "subscription halted after repeated failures",
			logger.String("name", name),
			logger.Int("error_count", s.ErrorCount),
			logger.String("last_error", s.LastError),
		)
	}
	return nil
}

// RecordSuccess clears the consecutive failure count.
func (m *Manager) RecordSuccess(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[name]
	if !ok {
		return ErrUnknownSubscription
	}
	s.ErrorCount = 0
	return nil
}

// CanPull reports whether the subscription should be pulling events.
func (m *Manager) CanPull(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[name]
	return ok && s.Status == StatusActive
}

// Get returns a copy of the subscription record.
func (m *Manager) Get(name string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[name]
	if !ok {
		return Subscription{}, ErrUnknownSubscription
	}
	return *s, nil
}

// List returns copies of all subscription records.
func (m *Manager) List() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	return out
}
