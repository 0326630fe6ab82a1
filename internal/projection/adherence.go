package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/pkg/metrics"
)

// AdherenceRow is the per-patient adherence read model.
type AdherenceRow struct {
	PatientID         string    `json:"patient_id"`
	PlannedSessions   int       `json:"planned_sessions"`
	CompletedSessions int       `json:"completed_sessions"`
	MissedSessions    int       `json:"missed_sessions"`
	ConsecutiveMissed int       `json:"consecutive_missed"`
	CurrentStreak     int       `json:"current_streak"`
	LongestStreak     int       `json:"longest_streak"`
	Trend             string    `json:"trend"`
	RecentOutcomes    []bool    `json:"recent_outcomes"`
	LastSessionAt     time.Time `json:"last_session_at"`
	LastContactAt     time.Time `json:"last_contact_at"`

	// LastGlobalSequence is the idempotence fence: events at or below it
	// are already folded in.
	LastGlobalSequence uint64 `json:"last_global_sequence"`
	// ProjectionVersion increments on every successful apply.
	ProjectionVersion uint64    `json:"projection_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CompletionRate returns completed/(completed+missed), or 1 when no session
// has resolved yet.
func (r AdherenceRow) CompletionRate() float64 {
	total := r.CompletedSessions + r.MissedSessions
	if total == 0 {
		return 1
	}
	return float64(r.CompletedSessions) / float64(total)
}

// AdherenceEngine tracks planned vs completed sessions, streaks, and a
// rolling trend per patient.
type AdherenceEngine struct {
	mu    sync.RWMutex
	rows  map[string]*AdherenceRow
	apply map[event.Type]func(*AdherenceRow, event.Event) error
}

// NewAdherenceEngine creates an empty adherence engine.
func NewAdherenceEngine() *AdherenceEngine {
	e := &AdherenceEngine{rows: make(map[string]*AdherenceRow)}
	// Dispatch table: new event types get a new entry, consumers stay
	// untouched.
	e.apply = map[event.Type]func(*AdherenceRow, event.Event) error{
		event.TypeSessionPlanned:  e.onSessionPlanned,
		event.TypeSessionComplete: e.onSessionComplete,
		event.TypeSessionMissed:   e.onSessionMissed,
		event.TypeContactLogged:   e.onContactLogged,
	}
	return e
}

// Name implements Engine.
func (e *AdherenceEngine) Name() string { return "adherence" }

// Apply implements Engine.
func (e *AdherenceEngine) Apply(ctx context.Context, ev event.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	step, ok := e.apply[ev.Type]
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	row, ok := e.rows[ev.StreamID]
	if !ok {
		row = &AdherenceRow{PatientID: ev.StreamID, Trend: TrendStable}
		e.rows[ev.StreamID] = row
	}
	if ev.GlobalSequence <= row.LastGlobalSequence {
		metrics.RecordProjectionSkip(e.Name())
		return false, nil
	}
	if err := step(row, ev); err != nil {
		metrics.RecordProjectionError(e.Name())
		return false, err
	}
	row.LastGlobalSequence = ev.GlobalSequence
	row.ProjectionVersion++
	row.UpdatedAt = eventTime(ev)
	metrics.RecordProjectionApply(e.Name())
	metrics.UpdateProjectionRows(e.Name(), len(e.rows))
	return true, nil
}

func (e *AdherenceEngine) onSessionPlanned(row *AdherenceRow, ev event.Event) error {
	var p event.SessionPlannedPayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	row.PlannedSessions++
	return nil
}

func (e *AdherenceEngine) onSessionComplete(row *AdherenceRow, ev event.Event) error {
	var p event.SessionCompletePayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	row.CompletedSessions++
	row.ConsecutiveMissed = 0
	row.CurrentStreak++
	if row.CurrentStreak > row.LongestStreak {
		row.LongestStreak = row.CurrentStreak
	}
	row.RecentOutcomes = pushBounded(row.RecentOutcomes, true, trendWindow)
	row.Trend = classifyTrend(row.RecentOutcomes)
	row.LastSessionAt = eventTime(ev)
	return nil
}

func (e *AdherenceEngine) onSessionMissed(row *AdherenceRow, ev event.Event) error {
	var p event.SessionMissedPayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	row.MissedSessions++
	row.ConsecutiveMissed++
	row.CurrentStreak = 0
	row.RecentOutcomes = pushBounded(row.RecentOutcomes, false, trendWindow)
	row.Trend = classifyTrend(row.RecentOutcomes)
	return nil
}

func (e *AdherenceEngine) onContactLogged(row *AdherenceRow, ev event.Event) error {
	var p event.ContactLoggedPayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	row.LastContactAt = eventTime(ev)
	return nil
}

// Reset implements Engine.
func (e *AdherenceEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = make(map[string]*AdherenceRow)
	metrics.UpdateProjectionRows(e.Name(), 0)
}

// Rows implements Engine.
func (e *AdherenceEngine) Rows() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rows)
}

// Get returns a copy of the row for a patient.
func (e *AdherenceEngine) Get(patientID string) (AdherenceRow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	row, ok := e.rows[patientID]
	if !ok {
		return AdherenceRow{}, false
	}
	return cloneAdherence(row), true
}

// UpdatedSince returns rows updated at or after the cutoff, ordered by
// patient id for stable output.
func (e *AdherenceEngine) UpdatedSince(cutoff time.Time) []AdherenceRow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]AdherenceRow, 0)
	for _, row := range e.rows {
		if !row.UpdatedAt.Before(cutoff) {
			out = append(out, cloneAdherence(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

func cloneAdherence(row *AdherenceRow) AdherenceRow {
	out := *row
	out.RecentOutcomes = append([]bool(nil), row.RecentOutcomes...)
	return out
}
