package projection_test

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/projection"
)

func scoredSession(stream, sessionID string, scores []float64) []event.Event {
	out := []event.Event{
		nextEvent(stream, event.TypeExerciseSession,
			event.ExerciseSessionPayload{SessionID: sessionID, ExerciseID: "squat"}),
	}
	for i, score := range scores {
		out = append(out, nextEvent(stream, event.TypeRepObservation,
			event.RepObservationPayload{SessionID: sessionID, ExerciseID: "squat", RepNumber: i + 1, Score: score}))
	}
	out = append(out, nextEvent(stream, event.TypeSessionComplete,
		event.SessionCompletePayload{SessionID: sessionID, ExerciseID: "squat"}))
	return out
}

func TestQualityEngine(t *testing.T) {
	Convey("Given a quality engine", t, func() {
		ctx := context.Background()
		eng := projection.NewQualityEngine()

		Convey("Rep scores aggregate into session and rolling statistics", func() {
			for _, e := range scoredSession("patient-001", "s1", []float64{0.8, 0.9, 1.0}) {
				_, err := eng.Apply(ctx, e)
				So(err, ShouldBeNil)
			}

			row, ok := eng.Get("patient-001", "squat")
			So(ok, ShouldBeTrue)
			So(row.TotalReps, ShouldEqual, 3)
			So(row.SessionCount, ShouldEqual, 1)
			So(row.RollingMean, ShouldAlmostEqual, 0.9, 1e-9)
			So(row.OpenSessionID, ShouldBeEmpty)
			So(row.Flagged, ShouldBeFalse)
		})

		Convey("Two consecutive sub-threshold sessions flag the row", func() {
			for _, e := range scoredSession("patient-001", "s1", []float64{0.4, 0.5}) {
				_, _ = eng.Apply(ctx, e)
			}
			row, _ := eng.Get("patient-001", "squat")
			So(row.ConsecutiveSubThreshold, ShouldEqual, 1)
			So(row.Flagged, ShouldBeFalse)

			for _, e := range scoredSession("patient-001", "s2", []float64{0.3, 0.5}) {
				_, _ = eng.Apply(ctx, e)
			}
			row, _ = eng.Get("patient-001", "squat")
			So(row.ConsecutiveSubThreshold, ShouldEqual, 2)
			So(row.Flagged, ShouldBeTrue)
		})

		Convey("A good session resets the sub-threshold run", func() {
			for _, e := range scoredSession("patient-001", "s1", []float64{0.4}) {
				_, _ = eng.Apply(ctx, e)
			}
			for _, e := range scoredSession("patient-001", "s2", []float64{0.95, 0.9}) {
				_, _ = eng.Apply(ctx, e)
			}
			row, _ := eng.Get("patient-001", "squat")
			So(row.ConsecutiveSubThreshold, ShouldEqual, 0)
			So(row.Flagged, ShouldBeFalse)
		})

		Convey("A completion without reps leaves statistics untouched", func() {
			_, err := eng.Apply(ctx, nextEvent("patient-001", event.TypeSessionComplete,
				event.SessionCompletePayload{SessionID: "ghost", ExerciseID: "squat"}))
			So(err, ShouldBeNil)
			row, _ := eng.Get("patient-001", "squat")
			So(row.SessionCount, ShouldEqual, 0)
		})

		Convey("Rows are keyed by patient and exercise", func() {
			for _, e := range scoredSession("patient-001", "s1", []float64{0.8}) {
				_, _ = eng.Apply(ctx, e)
			}
			_, ok := eng.Get("patient-001", "lunge")
			So(ok, ShouldBeFalse)
			So(len(eng.ForPatient("patient-001")), ShouldEqual, 1)
		})
	})
}

func TestQualityIdempotence(t *testing.T) {
	Convey("Given an applied rep observation", t, func() {
		ctx := context.Background()
		eng := projection.NewQualityEngine()
		e := nextEvent("patient-001", event.TypeRepObservation,
			event.RepObservationPayload{SessionID: "s1", ExerciseID: "squat", RepNumber: 1, Score: 0.7})

		applied, err := eng.Apply(ctx, e)
		So(err, ShouldBeNil)
		So(applied, ShouldBeTrue)
		before, _ := eng.Get("patient-001", "squat")

		Convey("Re-applying the same sequence changes nothing", func() {
			applied, err := eng.Apply(ctx, e)
			So(err, ShouldBeNil)
			So(applied, ShouldBeFalse)

			after, _ := eng.Get("patient-001", "squat")
			So(after, ShouldResemble, before)
			So(after.TotalReps, ShouldEqual, 1)
		})
	})
}
