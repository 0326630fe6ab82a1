package workqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strydehealth/stride/pkg/metrics"
)

// Store is an in-memory work-item repository with an active-key index
// enforcing the single-active-item-per-deduplication-key invariant.
type Store struct {
	mu    sync.RWMutex
	items map[string]*Item
	// activeByKey maps a deduplication key to its single active item ID.
	activeByKey map[string]string
	// latestByKey maps a deduplication key to the most recent item ID,
	// terminal or not, so a fresh item can link its predecessor.
	latestByKey map[string]string
	clock       func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the wall clock used for override bookkeeping.
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		items:       make(map[string]*Item),
		activeByKey: make(map[string]string),
		latestByKey: make(map[string]string),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert applies a scored candidate. An active item with the same
// deduplication key is updated in place, keeping its identity, status and
// any manual override. When the latest item with the key is terminal the
// candidate becomes a new item superseding it. asOf is the event-time
// timestamp recorded on the item.
func (s *Store) Upsert(ctx context.Context, candidate Item, asOf time.Time) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.activeByKey[candidate.DeduplicationKey]; ok {
		existing := s.items[id]
		existing.Score = candidate.Score
		existing.Level = candidate.Level
		existing.UpdatedAt = asOf
		metrics.RecordWorkItemUpdated()
		s.refreshActiveGauges()
		return *existing, false, nil
	}

	item := candidate
	item.ID = uuid.NewString()
	item.Status = StatusPending
	item.CreatedAt = asOf
	item.UpdatedAt = asOf

	if prevID, ok := s.latestByKey[item.DeduplicationKey]; ok {
		prev := s.items[prevID]
		item.SupersedesID = prev.ID
		prev.SupersededByID = item.ID
		metrics.RecordWorkItemSuperseded()
	}

	s.items[item.ID] = &item
	s.activeByKey[item.DeduplicationKey] = item.ID
	s.latestByKey[item.DeduplicationKey] = item.ID
	metrics.RecordWorkItemCreated()
	s.refreshActiveGauges()
	return item, true, nil
}

// Get returns an item by ID.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return *item, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	PatientID string
	Status    Status
	MinLevel  Level
}

// List returns matching items sorted by score descending, then by creation
// time ascending so equal scores keep a stable order.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		if f.PatientID != "" && item.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.MinLevel != "" && !item.EffectiveLevel(now).AtLeast(f.MinLevel) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Start marks a pending item in progress.
func (s *Store) Start(ctx context.Context, id string) (Item, error) {
	return s.transition(ctx, id, StatusInProgress)
}

// Complete resolves an item as done.
func (s *Store) Complete(ctx context.Context, id string) (Item, error) {
	return s.transition(ctx, id, StatusCompleted)
}

// Dismiss resolves an item as not actionable.
func (s *Store) Dismiss(ctx context.Context, id string) (Item, error) {
	return s.transition(ctx, id, StatusDismissed)
}

func (s *Store) transition(ctx context.Context, id string, to Status) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if !item.Active() {
		return Item{}, ErrItemTerminal
	}
	item.Status = to
	item.UpdatedAt = s.clock()
	if !item.Active() {
		delete(s.activeByKey, item.DeduplicationKey)
	}
	s.refreshActiveGauges()
	return *item, nil
}

// SetOverride pins an item's effective level until expiresAt, taking strict
// precedence over recomputed scores.
func (s *Store) SetOverride(ctx context.Context, id string, level Level, expiresAt time.Time) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if _, ok := levelRank[level]; !ok {
		return Item{}, ErrInvalidLevel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if !item.Active() {
		return Item{}, ErrItemTerminal
	}
	item.OverrideLevel = level
	item.OverrideExpiresAt = expiresAt
	item.UpdatedAt = s.clock()
	return *item, nil
}

// ClearOverride removes a manual override before it expires.
func (s *Store) ClearOverride(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	item.OverrideLevel = ""
	item.OverrideExpiresAt = time.Time{}
	item.UpdatedAt = s.clock()
	return *item, nil
}

// ActiveCount returns the number of active items.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeByKey)
}

// refreshActiveGauges recomputes the per-level active gauges. Caller holds
// the write lock.
func (s *Store) refreshActiveGauges() {
	counts := map[Level]int{LevelRoutine: 0, LevelElevated: 0, LevelHigh: 0, LevelCritical: 0}
	now := s.clock()
	for _, id := range s.activeByKey {
		item := s.items[id]
		counts[item.EffectiveLevel(now)]++
	}
	for level, n := range counts {
		metrics.UpdateWorkItemsActive(string(level), n)
	}
}
