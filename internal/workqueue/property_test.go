package workqueue_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/strydehealth/stride/internal/projection"
	"github.com/strydehealth/stride/internal/workqueue"
)

// escalatingRow is a patient whose missed streak grows while everything
// else stays put.
func escalatingRow(completed, consecutiveMissed int, lastContact time.Time) projection.AdherenceRow {
	return projection.AdherenceRow{
		PatientID:         "prop-patient",
		PlannedSessions:   completed + consecutiveMissed,
		CompletedSessions: completed,
		MissedSessions:    consecutiveMissed,
		ConsecutiveMissed: consecutiveMissed,
		LastContactAt:     lastContact,
		UpdatedAt:         scorerBase,
	}
}

func TestScoreMonotonicity(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	levelRank := map[workqueue.Level]int{
		workqueue.LevelRoutine:  0,
		workqueue.LevelElevated: 1,
		workqueue.LevelHigh:     2,
		workqueue.LevelCritical: 3,
	}

	properties.Property("another missed session never lowers the score or level", prop.ForAll(
		func(completed, missed, contactDaysAgo int) bool {
			contact := scorerBase.AddDate(0, 0, -contactDaysAgo)
			before := escalatingRow(completed, missed, contact)
			after := escalatingRow(completed, missed+1, contact)

			scoreBefore := workqueue.Score(workqueue.FactorsFrom(before, nil, scorerBase))
			scoreAfter := workqueue.Score(workqueue.FactorsFrom(after, nil, scorerBase))
			if scoreAfter < scoreBefore {
				return false
			}
			return levelRank[workqueue.LevelFor(scoreAfter)] >= levelRank[workqueue.LevelFor(scoreBefore)]
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 10),
		gen.IntRange(0, 60),
	))

	properties.Property("composite scores always land in the unit interval", prop.ForAll(
		func(completed, missed, contactDaysAgo int, rollingMean float64) bool {
			contact := scorerBase.AddDate(0, 0, -contactDaysAgo)
			row := escalatingRow(completed, missed, contact)
			quality := &projection.QualityRow{SessionCount: 1, RollingMean: rollingMean}
			score := workqueue.Score(workqueue.FactorsFrom(row, quality, scorerBase))
			return score >= 0 && score <= 1
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
		gen.IntRange(0, 365),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
