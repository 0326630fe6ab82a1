package workqueue

import (
	"context"
	"math"
	"time"

	"github.com/strydehealth/stride/internal/projection"
	"github.com/strydehealth/stride/pkg/logger"
)

// Scoring weights. They sum to 1 so the composite score stays in [0,1].
const (
	weightAdherence  = 0.35
	weightQuality    = 0.25
	weightRisk       = 0.25
	weightEngagement = 0.15
)

// Factor normalization constants.
const (
	// riskSaturationMissed is the consecutive-missed count at which the
	// risk factor saturates at 1.
	riskSaturationMissed = 5
	// engagementSaturationDays is the days-since-contact at which the
	// engagement factor saturates at 1.
	engagementSaturationDays = 14
)

// Level thresholds on the composite score.
const (
	thresholdElevated = 0.35
	thresholdHigh     = 0.55
	thresholdCritical = 0.75
)

// Trigger conditions for item creation.
const (
	missedSessionTrigger    = 2
	lowAdherenceRate        = 0.5
	lowAdherenceMinResolved = 4
	conditionConsecMissed   = "consecutive_missed"
	conditionSubThreshold   = "sub_threshold_quality"
	conditionLowCompletion  = "low_completion_rate"
)

// Factors are the normalized score inputs, each in [0,1] where higher means
// more attention needed.
type Factors struct {
	Adherence  float64 `json:"adherence"`
	Quality    float64 `json:"quality"`
	Risk       float64 `json:"risk"`
	Engagement float64 `json:"engagement"`
}

// Score computes the weighted composite priority score.
func Score(f Factors) float64 {
	return weightAdherence*clamp01(f.Adherence) +
		weightQuality*clamp01(f.Quality) +
		weightRisk*clamp01(f.Risk) +
		weightEngagement*clamp01(f.Engagement)
}

// LevelFor maps a composite score to a discrete priority level.
func LevelFor(score float64) Level {
	switch {
	case score < thresholdElevated:
		return LevelRoutine
	case score < thresholdHigh:
		return LevelElevated
	case score < thresholdCritical:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// FactorsFrom derives score inputs from projection rows. asOf is event time,
// not wall-clock time, so replays score identically.
func FactorsFrom(adh projection.AdherenceRow, quality *projection.QualityRow, asOf time.Time) Factors {
	f := Factors{
		Adherence: 1 - adh.CompletionRate(),
		Risk:      float64(adh.ConsecutiveMissed) / riskSaturationMissed,
	}
	if quality != nil && quality.SessionCount > 0 {
		f.Quality = 1 - quality.RollingMean
	}
	if adh.LastContactAt.IsZero() {
		f.Engagement = 1
	} else {
		days := asOf.Sub(adh.LastContactAt).Hours() / 24
		f.Engagement = days / engagementSaturationDays
	}
	f.Adherence = clamp01(f.Adherence)
	f.Quality = clamp01(f.Quality)
	f.Risk = clamp01(f.Risk)
	f.Engagement = clamp01(f.Engagement)
	return f
}

// Scorer evaluates projection rows against trigger conditions and maintains
// the work-item store.
type Scorer struct {
	store *Store
	log   logger.Logger
}

// NewScorer creates a scorer writing into store.
func NewScorer(store *Store, opts ...ScorerOption) *Scorer {
	s := &Scorer{store: store, log: logger.Named("workqueue")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithScorerLogger overrides the scorer's logger.
func WithScorerLogger(log logger.Logger) ScorerOption {
	return func(s *Scorer) { s.log = log }
}

// React evaluates one patient's projection state after an update. quality
// holds the patient's per-exercise rows; nil entries are skipped. Items are
// upserted by deduplication key, so repeated reactions converge instead of
// duplicating.
func (s *Scorer) React(ctx context.Context, adh projection.AdherenceRow, quality []projection.QualityRow) error {
	asOf := adh.UpdatedAt
	var best *projection.QualityRow
	for i := range quality {
		q := &quality[i]
		if q.UpdatedAt.After(asOf) {
			asOf = q.UpdatedAt
		}
		// The worst rolling mean drives the quality factor for
		// patient-level items.
		if q.SessionCount > 0 && (best == nil || q.RollingMean < best.RollingMean) {
			best = q
		}
	}

	if adh.ConsecutiveMissed >= missedSessionTrigger {
		if err := s.raise(ctx, adh.PatientID, "", TypeMissedSession, conditionConsecMissed, FactorsFrom(adh, best, asOf), asOf); err != nil {
			return err
		}
	}

	resolved := adh.CompletedSessions + adh.MissedSessions
	if resolved >= lowAdherenceMinResolved && adh.CompletionRate() < lowAdherenceRate {
		if err := s.raise(ctx, adh.PatientID, "", TypeLowAdherence, conditionLowCompletion, FactorsFrom(adh, best, asOf), asOf); err != nil {
			return err
		}
	}

	for i := range quality {
		q := &quality[i]
		if !q.Flagged {
			continue
		}
		f := FactorsFrom(adh, q, asOf)
		cond := conditionSubThreshold + "|" + q.ExerciseID
		if err := s.raise(ctx, adh.PatientID, q.ExerciseID, TypeQualityDecline, cond, f, asOf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scorer) raise(ctx context.Context, patientID, exerciseID string, typ ItemType, condition string, f Factors, asOf time.Time) error {
	score := Score(f)
	item := Item{
		PatientID:        patientID,
		ExerciseID:       exerciseID,
		ItemType:         typ,
		Score:            score,
		Level:            LevelFor(score),
		DeduplicationKey: DedupeKey(patientID, typ, condition),
	}
	stored, created, err := s.store.Upsert(ctx, item, asOf)
	if err != nil {
		return err
	}
	if created {
		s.log.Info(ctx, "work item raised",
			logger.String("item_id", stored.ID),
			logger.String("patient_id", patientID),
			logger.String("item_type", string(typ)),
			logger.String("level", string(stored.Level)),
			logger.Float64("score", stored.Score))
	}
	return nil
}
