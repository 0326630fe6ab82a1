package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/pkg/metrics"
)

// Quality engine constants.
const (
	// qualityWindow bounds the rolling window of session averages.
	qualityWindow = 10
	// subThresholdScore is the session average below which a session counts
	// as sub-threshold.
	subThresholdScore = 0.6
	// flagAfterSessions flags a row after this many consecutive
	// sub-threshold sessions.
	flagAfterSessions = 2
)

// QualityKey identifies a quality row by its natural business key.
type QualityKey struct {
	PatientID  string
	ExerciseID string
}

// QualityRow aggregates per-repetition scores into session and rolling
// summary statistics for one patient+exercise.
type QualityRow struct {
	PatientID  string `json:"patient_id"`
	ExerciseID string `json:"exercise_id"`

	TotalReps    int `json:"total_reps"`
	SessionCount int `json:"session_count"`

	// Open session accumulation. Reps sum into the open session until a
	// session_complete folds the average into the rolling window.
	OpenSessionID   string  `json:"open_session_id,omitempty"`
	OpenSessionSum  float64 `json:"open_session_sum"`
	OpenSessionReps int     `json:"open_session_reps"`

	SessionAverages         []float64 `json:"session_averages"`
	RollingMean             float64   `json:"rolling_mean"`
	ConsecutiveSubThreshold int       `json:"consecutive_sub_threshold"`
	Flagged                 bool      `json:"flagged"`

	LastGlobalSequence uint64    `json:"last_global_sequence"`
	ProjectionVersion  uint64    `json:"projection_version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// QualityEngine aggregates movement-quality scores per patient+exercise.
type QualityEngine struct {
	mu    sync.RWMutex
	rows  map[QualityKey]*QualityRow
	apply map[event.Type]func(*QualityRow, event.Event) error
}

// NewQualityEngine creates an empty quality engine.
func NewQualityEngine() *QualityEngine {
	e := &QualityEngine{rows: make(map[QualityKey]*QualityRow)}
	e.apply = map[event.Type]func(*QualityRow, event.Event) error{
		event.TypeExerciseSession: e.onSessionStart,
		event.TypeRepObservation:  e.onRepObservation,
		event.TypeSessionComplete: e.onSessionComplete,
	}
	return e
}

// Name implements Engine.
func (e *QualityEngine) Name() string { return "quality" }

// Apply implements Engine.
func (e *QualityEngine) Apply(ctx context.Context, ev event.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	step, ok := e.apply[ev.Type]
	if !ok {
		return false, nil
	}
	key, err := qualityKeyFor(ev)
	if err != nil {
		metrics.RecordProjectionError(e.Name())
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	row, ok := e.rows[key]
	if !ok {
		row = &QualityRow{PatientID: key.PatientID, ExerciseID: key.ExerciseID}
		e.rows[key] = row
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

// qualityKeyFor extracts the patient+exercise key from the event payload.
func qualityKeyFor(ev event.Event) (QualityKey, error) {
	var partial struct {
		ExerciseID string `json:"exercise_id"`
	}
	if err := event.DecodePayload(ev, &partial); err != nil {
		return QualityKey{}, err
	}
	return QualityKey{PatientID: ev.StreamID, ExerciseID: partial.ExerciseID}, nil
}

func (e *QualityEngine) onSessionStart(row *QualityRow, ev event.Event) error {
	var p event.ExerciseSessionPayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	row.OpenSessionID = p.SessionID
	row.OpenSessionSum = 0
	row.OpenSessionReps = 0
	return nil
}

func (e *QualityEngine) onRepObservation(row *QualityRow, ev event.Event) error {
	var p event.RepObservationPayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	// A rep without a preceding session start opens the session implicitly;
	// sensor streams sometimes deliver the start late.
	if row.OpenSessionID == "" {
		row.OpenSessionID = p.SessionID
	}
	row.TotalReps++
	if p.SessionID == row.OpenSessionID {
		row.OpenSessionSum += p.Score
		row.OpenSessionReps++
	}
	return nil
}

func (e *QualityEngine) onSessionComplete(row *QualityRow, ev event.Event) error {
	var p event.SessionCompletePayload
	if err := event.DecodePayload(ev, &p); err != nil {
		return err
	}
	if row.OpenSessionReps > 0 {
		avg := row.OpenSessionSum / float64(row.OpenSessionReps)
		row.SessionAverages = pushBounded(row.SessionAverages, avg, qualityWindow)
		row.RollingMean = mean(row.SessionAverages)
		row.SessionCount++
		if avg < subThresholdScore {
			row.ConsecutiveSubThreshold++
		} else {
			row.ConsecutiveSubThreshold = 0
		}
		row.Flagged = row.ConsecutiveSubThreshold >= flagAfterSessions
	}
	row.OpenSessionID = ""
	row.OpenSessionSum = 0
	row.OpenSessionReps = 0
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Reset implements Engine.
func (e *QualityEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = make(map[QualityKey]*QualityRow)
	metrics.UpdateProjectionRows(e.Name(), 0)
}

// Rows implements Engine.
func (e *QualityEngine) Rows() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rows)
}

// Get returns a copy of the row for a patient+exercise.
func (e *QualityEngine) Get(patientID, exerciseID string) (QualityRow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	row, ok := e.rows[QualityKey{PatientID: patientID, ExerciseID: exerciseID}]
	if !ok {
		return QualityRow{}, false
	}
	return cloneQuality(row), true
}

// ForPatient returns copies of all quality rows for one patient.
func (e *QualityEngine) ForPatient(patientID string) []QualityRow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]QualityRow, 0)
	for key, row := range e.rows {
		if key.PatientID == patientID {
			out = append(out, cloneQuality(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExerciseID < out[j].ExerciseID })
	return out
}

func cloneQuality(row *QualityRow) QualityRow {
	out := *row
	out.SessionAverages = append([]float64(nil), row.SessionAverages...)
	return out
}
