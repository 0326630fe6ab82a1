package workqueue_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/strydehealth/stride/internal/projection"
	"github.com/strydehealth/stride/internal/workqueue"
	"github.com/strydehealth/stride/pkg/logger"
)

func init() { _ = logger.Init() }

var scorerBase = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// missedRow models a patient who completed as many sessions as they have now
// missed in a row, so only the consecutive-missed trigger fires.
func missedRow(patientID string, missed int) projection.AdherenceRow {
	return projection.AdherenceRow{
		PatientID:         patientID,
		PlannedSessions:   2 * missed,
		CompletedSessions: missed,
		MissedSessions:    missed,
		ConsecutiveMissed: missed,
		UpdatedAt:         scorerBase,
	}
}

func TestScoring(t *testing.T) {
	Convey("Given the composite scoring function", t, func() {
		Convey("All-zero factors score zero and map to routine", func() {
			So(workqueue.Score(workqueue.Factors{}), ShouldEqual, 0)
			So(workqueue.LevelFor(0), ShouldEqual, workqueue.LevelRoutine)
		})

		Convey("All-one factors score one and map to critical", func() {
			score := workqueue.Score(workqueue.Factors{Adherence: 1, Quality: 1, Risk: 1, Engagement: 1})
			So(score, ShouldAlmostEqual, 1.0, 1e-9)
			So(workqueue.LevelFor(score), ShouldEqual, workqueue.LevelCritical)
		})

		Convey("Out-of-range factors are clamped", func() {
			high := workqueue.Score(workqueue.Factors{Adherence: 7})
			So(high, ShouldAlmostEqual, 0.35, 1e-9)
			low := workqueue.Score(workqueue.Factors{Risk: -3})
			So(low, ShouldEqual, 0)
		})

		Convey("Level boundaries are half-open", func() {
			So(workqueue.LevelFor(0.3499), ShouldEqual, workqueue.LevelRoutine)
			So(workqueue.LevelFor(0.35), ShouldEqual, workqueue.LevelElevated)
			So(workqueue.LevelFor(0.55), ShouldEqual, workqueue.LevelHigh)
			So(workqueue.LevelFor(0.75), ShouldEqual, workqueue.LevelCritical)
		})
	})

	Convey("Given factor derivation from projection rows", t, func() {
		Convey("A patient with no resolved sessions has zero adherence pressure", func() {
			f := workqueue.FactorsFrom(projection.AdherenceRow{}, nil, scorerBase)
			So(f.Adherence, ShouldEqual, 0)
			So(f.Risk, ShouldEqual, 0)
			So(f.Quality, ShouldEqual, 0)
		})

		Convey("A patient never contacted has maximal engagement pressure", func() {
			f := workqueue.FactorsFrom(projection.AdherenceRow{}, nil, scorerBase)
			So(f.Engagement, ShouldEqual, 1)
		})

		Convey("Engagement grows with days since contact and saturates at two weeks", func() {
			row := projection.AdherenceRow{LastContactAt: scorerBase.Add(-7 * 24 * time.Hour)}
			f := workqueue.FactorsFrom(row, nil, scorerBase)
			So(f.Engagement, ShouldAlmostEqual, 0.5, 1e-9)

			row.LastContactAt = scorerBase.Add(-30 * 24 * time.Hour)
			f = workqueue.FactorsFrom(row, nil, scorerBase)
			So(f.Engagement, ShouldEqual, 1)
		})

		Convey("Risk saturates at five consecutive missed sessions", func() {
			row := projection.AdherenceRow{ConsecutiveMissed: 3}
			So(workqueue.FactorsFrom(row, nil, scorerBase).Risk, ShouldAlmostEqual, 0.6, 1e-9)
			row.ConsecutiveMissed = 9
			So(workqueue.FactorsFrom(row, nil, scorerBase).Risk, ShouldEqual, 1)
		})

		Convey("Quality pressure is the complement of the rolling mean", func() {
			q := &projection.QualityRow{SessionCount: 3, RollingMean: 0.85}
			f := workqueue.FactorsFrom(projection.AdherenceRow{}, q, scorerBase)
			So(f.Quality, ShouldAlmostEqual, 0.15, 1e-9)
		})
	})
}

func TestScorerReact(t *testing.T) {
	ctx := context.Background()

	Convey("Given a scorer over an empty store", t, func() {
		store := workqueue.NewStore()
		scorer := workqueue.NewScorer(store)

		Convey("A healthy patient raises nothing", func() {
			row := projection.AdherenceRow{
				PatientID:         "patient-1",
				PlannedSessions:   3,
				CompletedSessions: 3,
				UpdatedAt:         scorerBase,
				LastContactAt:     scorerBase,
			}
			So(scorer.React(ctx, row, nil), ShouldBeNil)
			items, err := store.List(ctx, workqueue.ListFilter{})
			So(err, ShouldBeNil)
			So(items, ShouldBeEmpty)
		})

		Convey("Three consecutive missed sessions raise one item at elevated or above", func() {
			So(scorer.React(ctx, missedRow("patient-2", 3), nil), ShouldBeNil)

			items, err := store.List(ctx, workqueue.ListFilter{Status: workqueue.StatusPending})
			So(err, ShouldBeNil)
			So(items, ShouldHaveLength, 1)
			So(items[0].ItemType, ShouldEqual, workqueue.TypeMissedSession)
			So(items[0].Level.AtLeast(workqueue.LevelElevated), ShouldBeTrue)

			Convey("Reacting again updates the same item in place", func() {
				So(scorer.React(ctx, missedRow("patient-2", 4), nil), ShouldBeNil)
				again, err := store.List(ctx, workqueue.ListFilter{})
				So(err, ShouldBeNil)
				So(again, ShouldHaveLength, 1)
				So(again[0].ID, ShouldEqual, items[0].ID)
				So(again[0].Score, ShouldBeGreaterThan, items[0].Score)
			})

			Convey("After completion a recurrence supersedes the old item", func() {
				done, err := store.Complete(ctx, items[0].ID)
				So(err, ShouldBeNil)
				So(done.Status, ShouldEqual, workqueue.StatusCompleted)

				So(scorer.React(ctx, missedRow("patient-2", 4), nil), ShouldBeNil)

				active, err := store.List(ctx, workqueue.ListFilter{Status: workqueue.StatusPending})
				So(err, ShouldBeNil)
				So(active, ShouldHaveLength, 1)
				So(active[0].ID, ShouldNotEqual, items[0].ID)
				So(active[0].SupersedesID, ShouldEqual, items[0].ID)

				old, err := store.Get(ctx, items[0].ID)
				So(err, ShouldBeNil)
				So(old.SupersededByID, ShouldEqual, active[0].ID)
			})
		})

		Convey("A flagged quality row raises a per-exercise decline item", func() {
			adh := projection.AdherenceRow{
				PatientID:         "patient-3",
				PlannedSessions:   4,
				CompletedSessions: 4,
				UpdatedAt:         scorerBase,
				LastContactAt:     scorerBase,
			}
			quality := []projection.QualityRow{
				{PatientID: "patient-3", ExerciseID: "squat", SessionCount: 4, RollingMean: 0.5, ConsecutiveSubThreshold: 2, Flagged: true, UpdatedAt: scorerBase},
				{PatientID: "patient-3", ExerciseID: "lunge", SessionCount: 4, RollingMean: 0.9, UpdatedAt: scorerBase},
			}
			So(scorer.React(ctx, adh, quality), ShouldBeNil)

			items, err := store.List(ctx, workqueue.ListFilter{PatientID: "patient-3"})
			So(err, ShouldBeNil)
			So(items, ShouldHaveLength, 1)
			So(items[0].ItemType, ShouldEqual, workqueue.TypeQualityDecline)
			So(items[0].ExerciseID, ShouldEqual, "squat")
		})

		Convey("A low completion rate over enough resolved sessions raises low_adherence", func() {
			row := projection.AdherenceRow{
				PatientID:         "patient-4",
				PlannedSessions:   5,
				CompletedSessions: 1,
				MissedSessions:    4,
				ConsecutiveMissed: 1,
				UpdatedAt:         scorerBase,
				LastContactAt:     scorerBase,
			}
			So(scorer.React(ctx, row, nil), ShouldBeNil)

			items, err := store.List(ctx, workqueue.ListFilter{PatientID: "patient-4"})
			So(err, ShouldBeNil)
			So(items, ShouldHaveLength, 1)
			So(items[0].ItemType, ShouldEqual, workqueue.TypeLowAdherence)
		})

		Convey("Too few resolved sessions never trigger low_adherence", func() {
			row := projection.AdherenceRow{
				PatientID:      "patient-5",
				MissedSessions: 1,
				UpdatedAt:      scorerBase,
				LastContactAt:  scorerBase,
			}
			So(scorer.React(ctx, row, nil), ShouldBeNil)
			items, err := store.List(ctx, workqueue.ListFilter{PatientID: "patient-5"})
			So(err, ShouldBeNil)
			So(items, ShouldBeEmpty)
		})
	})
}
