package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/pkg/metrics"
)

// DeadLetterRecord captures an event that exhausted its retry budget,
// together with enough context to diagnose and replay it by hand.
type DeadLetterRecord struct {
	ID           string      `json:"id"`
	Subscription string      `json:"subscription"`
	Event        event.Event `json:"event"`
	Attempts     int         `json:"attempts"`
	LastError    string      `json:"last_error"`
	FailedAt     time.Time   `json:"failed_at"`
}

// DeadLetterStore is an append-only in-memory store of poisoned events.
// Records are never removed; the log survives for the process lifetime so
// operators can inspect what the pipeline skipped.
type DeadLetterStore struct {
	mu      sync.RWMutex
	records []DeadLetterRecord
}

// NewDeadLetterStore creates an empty dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Add appends a record and returns it with its assigned ID.
func (s *DeadLetterStore) Add(ctx context.Context, rec DeadLetterRecord) (DeadLetterRecord, error) {
	if err := ctx.Err(); err != nil {
		return DeadLetterRecord{}, err
	}
	rec.ID = uuid.NewString()
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	metrics.RecordDeadLetter()
	return rec, nil
}

// List returns all records in arrival order.
func (s *DeadLetterStore) List(ctx context.Context) ([]DeadLetterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetterRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Len returns the number of dead-lettered events.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
