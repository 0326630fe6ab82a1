package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/pkg/metrics"

	_ "modernc.org/sqlite" // sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	global_sequence INTEGER PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	stream_id       TEXT NOT NULL,
	stream_version  INTEGER NOT NULL,
	type            TEXT NOT NULL,
	causation_id    TEXT NOT NULL DEFAULT '',
	correlation_id  TEXT NOT NULL DEFAULT '',
	payload         BLOB,
	sensitivity     TEXT NOT NULL DEFAULT '',
	consent_ref     TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	UNIQUE (stream_id, stream_version)
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events (stream_id, stream_version);

CREATE TABLE IF NOT EXISTS streams (
	stream_id       TEXT PRIMARY KEY,
	current_version INTEGER NOT NULL,
	type            TEXT NOT NULL,
	closed          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS snapshots (
	stream_id TEXT PRIMARY KEY,
	version   INTEGER NOT NULL,
	state     BLOB,
	taken_at  INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a local SQLite database. Commits run in
// IMMEDIATE transactions; the global sequence is assigned inside the
// transaction from MAX(global_sequence), so consumers never observe gaps.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (or creates) a SQLite-backed event store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection
	// serializes appends instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// Append commits events to a stream all-or-nothing.
func (s *SQLiteStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []event.Event) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, ErrEmptyAppend
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	var closed int
	err = tx.QueryRowContext(ctx,
		`SELECT current_version, closed FROM streams WHERE stream_id = ?`, streamID,
	).Scan(&current, &closed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current, closed = 0, 0
	case err != nil:
		return AppendResult{}, fmt.Errorf("read stream version: %w", err)
	}
	if closed != 0 {
		return AppendResult{}, ErrStreamClosed
	}
	if expectedVersion != VersionAny && current != expectedVersion {
		metrics.RecordAppendConflict()
		return AppendResult{}, NewConflict(streamID, expectedVersion, current)
	}

	var head uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_sequence), 0) FROM events`,
	).Scan(&head); err != nil {
		return AppendResult{}, fmt.Errorf("read head sequence: %w", err)
	}

	now := s.clock()
	seqs := make([]uint64, 0, len(events))
	for i := range events {
		e := events[i]
		e.StreamID = streamID
		e.StreamVersion = current + uint64(i) + 1
		e.GlobalSequence = head + uint64(i) + 1
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (global_sequence, event_id, stream_id, stream_version, type,
				causation_id, correlation_id, payload, sensitivity, consent_ref, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.GlobalSequence, e.EventID, e.StreamID, e.StreamVersion, string(e.Type),
			e.CausationID, e.CorrelationID, []byte(e.Payload),
			e.Metadata.Sensitivity, e.Metadata.ConsentRef, toMillis(e.CreatedAt),
		); err != nil {
			return AppendResult{}, fmt.Errorf("insert event: %w", err)
		}
		events[i] = e
		seqs = append(seqs, e.GlobalSequence)
	}

	newVersion := current + uint64(len(events))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streams (stream_id, current_version, type, closed) VALUES (?, ?, ?, 0)
		 ON CONFLICT (stream_id) DO UPDATE SET current_version = excluded.current_version`,
		streamID, newVersion, streamType(streamID),
	); err != nil {
		return AppendResult{}, fmt.Errorf("update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}

	metrics.RecordAppend()
	metrics.RecordEventsAppended(len(events))
	metrics.RecordAppendLatency(float64(time.Since(start).Milliseconds()))
	metrics.UpdateHeadSequence(head + uint64(len(events)))

	return AppendResult{NewVersion: newVersion, GlobalSequences: seqs}, nil
}

// Read returns events of one stream from a version onward.
func (s *SQLiteStore) Read(ctx context.Context, streamID string, fromVersion uint64, limit int) ([]event.Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM streams WHERE stream_id = ?`, streamID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check stream: %w", err)
	}
	if exists == 0 {
		return nil, ErrStreamNotFound
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_sequence, event_id, stream_id, stream_version, type,
			causation_id, correlation_id, payload, sensitivity, consent_ref, created_at
		 FROM events WHERE stream_id = ? AND stream_version >= ?
		 ORDER BY stream_version LIMIT ?`,
		streamID, fromVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll returns events across all streams after a global sequence.
func (s *SQLiteStore) ReadAll(ctx context.Context, afterSequence uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT global_sequence, event_id, stream_id, stream_version, type,
			causation_id, correlation_id, payload, sensitivity, consent_ref, created_at
		 FROM events WHERE global_sequence > ?
		 ORDER BY global_sequence LIMIT ?`,
		afterSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Head returns the highest assigned global sequence.
func (s *SQLiteStore) Head(ctx context.Context) (uint64, error) {
	var head uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_sequence), 0) FROM events`,
	).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

// StreamInfo returns stream metadata.
func (s *SQLiteStore) StreamInfo(ctx context.Context, streamID string) (Stream, error) {
	var st Stream
	var closed int
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, current_version, type, closed FROM streams WHERE stream_id = ?`,
		streamID,
	).Scan(&st.StreamID, &st.CurrentVersion, &st.Type, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrStreamNotFound
	}
	if err != nil {
		return Stream{}, fmt.Errorf("read stream info: %w", err)
	}
	st.Closed = closed != 0
	return st, nil
}

// CloseStream marks a stream closed.
func (s *SQLiteStore) CloseStream(ctx context.Context, streamID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET closed = 1 WHERE stream_id = ?`, streamID,
	)
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	if n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// SaveSnapshot stores a snapshot for a stream, replacing any older one.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.clock()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (stream_id, version, state, taken_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (stream_id) DO UPDATE SET
			version = excluded.version, state = excluded.state, taken_at = excluded.taken_at`,
		snap.StreamID, snap.Version, snap.State, toMillis(snap.TakenAt),
	); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	metrics.RecordSnapshotSaved()
	return nil
}

// LoadSnapshot returns the latest snapshot for a stream.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, error) {
	var snap Snapshot
	var takenAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, version, state, taken_at FROM snapshots WHERE stream_id = ?`,
		streamID,
	).Scan(&snap.StreamID, &snap.Version, &snap.State, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.TakenAt = fromMillis(takenAt)
	return snap, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var e event.Event
		var typ string
		var payload []byte
		var createdAt int64
		if err := rows.Scan(
			&e.GlobalSequence, &e.EventID, &e.StreamID, &e.StreamVersion, &typ,
			&e.CausationID, &e.CorrelationID, &payload,
			&e.Metadata.Sensitivity, &e.Metadata.ConsentRef, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.Type(typ)
		e.Payload = payload
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
