package eventstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/pkg/metrics"
)

// streamState tracks the per-stream view of the log.
type streamState struct {
	version uint64
	typ     string
	closed  bool
	events  []event.Event
}

// MemoryStore implements Store with an in-memory log. A single mutex
// serializes commits, which makes global sequence assignment atomic; reads
// take the shared lock.
type MemoryStore struct {
	mu        sync.RWMutex
	global    []event.Event
	streams   map[string]*streamState
	snapshots map[string]Snapshot
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		streams:   make(map[string]*streamState),
		snapshots: make(map[string]Snapshot),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append commits events to a stream all-or-nothing.
func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []event.Event) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if len(events) == 0 {
		return AppendResult{}, ErrEmptyAppend
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		st = &streamState{typ: streamType(streamID)}
	}
	if st.closed {
		return AppendResult{}, ErrStreamClosed
	}
	if expectedVersion != VersionAny && st.version != expectedVersion {
		metrics.RecordAppendConflict()
		return AppendResult{}, NewConflict(streamID, expectedVersion, st.version)
	}

	now := s.clock()
	seqs := make([]uint64, 0, len(events))
	for i := range events {
		e := events[i]
		e.StreamID = streamID
		e.StreamVersion = st.version + uint64(i) + 1
		e.GlobalSequence = uint64(len(s.global)) + uint64(i) + 1
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		events[i] = e
		seqs = append(seqs, e.GlobalSequence)
	}

	// Commit point: both views mutate together under the lock, so partial
	// writes are never observable.
	s.global = append(s.global, events...)
	st.version += uint64(len(events))
	st.events = append(st.events, events...)
	s.streams[streamID] = st

	metrics.RecordAppend()
	metrics.RecordEventsAppended(len(events))
	metrics.RecordAppendLatency(float64(time.Since(start).Milliseconds()))
	metrics.UpdateHeadSequence(uint64(len(s.global)))
	metrics.UpdateStreamsTotal(len(s.streams))

	return AppendResult{NewVersion: st.version, GlobalSequences: seqs}, nil
}

// Read returns events of one stream from a version onward.
func (s *MemoryStore) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > st.version {
		return nil, nil
	}
	out := st.events[fromVersion-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	copied := make([]event.Event, len(out))
	copy(copied, out)
	return copied, nil
}

// ReadAll returns events across all streams after a global sequence.
func (s *MemoryStore) ReadAll(ctx context.Context, afterSequence uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSequence >= uint64(len(s.global)) {
		return nil, nil
	}
	out := s.global[afterSequence:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	copied := make([]event.Event, len(out))
	copy(copied, out)
	return copied, nil
}

// Head returns the highest assigned global sequence.
func (s *MemoryStore) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.global)), nil
}

// StreamInfo returns stream metadata.
func (s *MemoryStore) StreamInfo(ctx context.Context, streamID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return Stream{}, ErrStreamNotFound
	}
	return Stream{
		StreamID:       streamID,
		CurrentVersion: st.version,
		Type:           st.typ,
		Closed:         st.closed,
	}, nil
}

// CloseStream marks a stream closed. The history stays readable.
func (s *MemoryStore) CloseStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	st.closed = true
	return nil
}

// SaveSnapshot stores a snapshot for a stream, replacing any older one.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.clock()
	}
	s.snapshots[snap.StreamID] = snap
	metrics.RecordSnapshotSaved()
	return nil
}

// LoadSnapshot returns the latest snapshot for a stream.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[streamID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

// Close releases resources. The in-memory store has none.
func (s *MemoryStore) Close() error { return nil }

// streamType derives the entity type from the stream id prefix, e.g.
// "patient-001" -> "patient".
func streamType(streamID string) string {
	if i := strings.IndexByte(streamID, '-'); i > 0 {
		return streamID[:i]
	}
	return streamID
}
