// Package eventstore defines the append-only, versioned event log.
//
// The log is the single source of truth: every read model in the system is
// derived from it and can be rebuilt by replay. Appends are optimistic per
// stream; global sequence assignment is the only cross-stream
// synchronization point.
package eventstore

import (
	"context"
	"time"

	"github.com/strydehealth/stride/internal/domain/event"
)

// Stream is the logical grouping of events for one entity. Streams are
// created implicitly on first append and never physically deleted; they may
// be marked closed.
type Stream struct {
	StreamID       string
	CurrentVersion uint64
	Type           string
	Closed         bool
}

// Snapshot is a point-in-time materialization of a stream at a version.
// It is a cache: always re-derivable from events, never a source of truth.
type Snapshot struct {
	StreamID string
	Version  uint64
	State    []byte
	TakenAt  time.Time
}

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	// NewVersion is the stream version after the batch committed.
	NewVersion uint64
	// GlobalSequences holds the contiguous sequence numbers assigned to the
	// appended events, in order.
	GlobalSequences []uint64
}

// VersionAny skips the optimistic concurrency check on Append: the batch
// lands at whatever the stream's current version is.
const VersionAny = ^uint64(0)

// Store provides the append-only log contract.
//
// Versions are 1-based per stream; global sequences are 1-based across all
// streams. expectedVersion 0 means "stream must not exist yet";
// VersionAny appends unconditionally.
type Store interface {
	// Append commits events to a stream all-or-nothing. It fails with
	// ErrConcurrencyConflict when expectedVersion does not match the
	// stream's current version at commit time; the stream is unaffected.
	// Contiguous global sequences are assigned atomically to the batch.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events []event.Event) (AppendResult, error)

	// Read returns events of one stream with StreamVersion >= fromVersion,
	// in version order, up to limit (0 = no limit). The sequence is
	// restartable: callers resume from the last version seen.
	Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error)

	// ReadAll returns events across all streams with
	// GlobalSequence > afterSequence, in global order, up to limit
	// (0 = no limit). Used by subscriptions to tail the log.
	ReadAll(ctx context.Context, afterSequence uint64, limit int) ([]event.Event, error)

	// Head returns the highest assigned global sequence (0 when empty).
	Head(ctx context.Context) (uint64, error)

	// StreamInfo returns stream metadata, or ErrStreamNotFound.
	StreamInfo(ctx context.Context, streamID string) (Stream, error)

	// CloseStream marks a stream closed; further appends are rejected with
	// ErrStreamClosed. The history remains readable.
	CloseStream(ctx context.Context, streamID string) error

	// SaveSnapshot stores a snapshot for a stream, replacing any older one.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the latest snapshot for a stream, or
	// ErrSnapshotNotFound.
	LoadSnapshot(ctx context.Context, streamID string) (Snapshot, error)

	// Close releases backend resources.
	Close() error
}
