package workqueue_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/strydehealth/stride/internal/workqueue"
)

func pendingItem(patientID string, typ workqueue.ItemType, score float64) workqueue.Item {
	return workqueue.Item{
		PatientID:        patientID,
		ItemType:         typ,
		Score:            score,
		Level:            workqueue.LevelFor(score),
		DeduplicationKey: workqueue.DedupeKey(patientID, typ, "test"),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty work-item store", t, func() {
		now := scorerBase
		store := workqueue.NewStore(workqueue.WithStoreClock(func() time.Time { return now }))

		Convey("Unknown IDs return a not-found error", func() {
			_, err := store.Get(ctx, "nope")
			So(err, ShouldEqual, workqueue.ErrItemNotFound)
			_, err = store.Complete(ctx, "nope")
			So(err, ShouldEqual, workqueue.ErrItemNotFound)
		})

		Convey("Terminal items reject further transitions", func() {
			item, created, err := store.Upsert(ctx, pendingItem("p1", workqueue.TypeMissedSession, 0.6), scorerBase)
			So(err, ShouldBeNil)
			So(created, ShouldBeTrue)

			_, err = store.Dismiss(ctx, item.ID)
			So(err, ShouldBeNil)
			_, err = store.Complete(ctx, item.ID)
			So(err, ShouldEqual, workqueue.ErrItemTerminal)
			_, err = store.SetOverride(ctx, item.ID, workqueue.LevelCritical, now.Add(time.Hour))
			So(err, ShouldEqual, workqueue.ErrItemTerminal)
		})

		Convey("In-progress items stay active and keep their dedupe slot", func() {
			item, _, err := store.Upsert(ctx, pendingItem("p2", workqueue.TypeMissedSession, 0.6), scorerBase)
			So(err, ShouldBeNil)

			started, err := store.Start(ctx, item.ID)
			So(err, ShouldBeNil)
			So(started.Status, ShouldEqual, workqueue.StatusInProgress)

			same, created, err := store.Upsert(ctx, pendingItem("p2", workqueue.TypeMissedSession, 0.7), scorerBase)
			So(err, ShouldBeNil)
			So(created, ShouldBeFalse)
			So(same.ID, ShouldEqual, item.ID)
			So(same.Status, ShouldEqual, workqueue.StatusInProgress)
			So(same.Score, ShouldAlmostEqual, 0.7, 1e-9)
		})

		Convey("List sorts by score descending with a stable tiebreak", func() {
			_, _, err := store.Upsert(ctx, pendingItem("p3", workqueue.TypeMissedSession, 0.4), scorerBase)
			So(err, ShouldBeNil)
			_, _, err = store.Upsert(ctx, pendingItem("p4", workqueue.TypeQualityDecline, 0.8), scorerBase)
			So(err, ShouldBeNil)
			_, _, err = store.Upsert(ctx, pendingItem("p5", workqueue.TypeLowAdherence, 0.6), scorerBase)
			So(err, ShouldBeNil)

			items, err := store.List(ctx, workqueue.ListFilter{})
			So(err, ShouldBeNil)
			So(items, ShouldHaveLength, 3)
			So(items[0].PatientID, ShouldEqual, "p4")
			So(items[1].PatientID, ShouldEqual, "p5")
			So(items[2].PatientID, ShouldEqual, "p3")
		})

		Convey("Manual overrides take precedence until they expire", func() {
			item, _, err := store.Upsert(ctx, pendingItem("p6", workqueue.TypeMissedSession, 0.4), scorerBase)
			So(err, ShouldBeNil)
			So(item.Level, ShouldEqual, workqueue.LevelElevated)

			overridden, err := store.SetOverride(ctx, item.ID, workqueue.LevelCritical, now.Add(time.Hour))
			So(err, ShouldBeNil)
			So(overridden.EffectiveLevel(now), ShouldEqual, workqueue.LevelCritical)

			Convey("Filtering by minimum level sees the override", func() {
				items, err := store.List(ctx, workqueue.ListFilter{MinLevel: workqueue.LevelCritical})
				So(err, ShouldBeNil)
				So(items, ShouldHaveLength, 1)
				So(items[0].ID, ShouldEqual, item.ID)
			})

			Convey("Recomputed scores do not displace an active override", func() {
				same, created, err := store.Upsert(ctx, pendingItem("p6", workqueue.TypeMissedSession, 0.2), scorerBase)
				So(err, ShouldBeNil)
				So(created, ShouldBeFalse)
				So(same.EffectiveLevel(now), ShouldEqual, workqueue.LevelCritical)
			})

			Convey("After expiry the computed level governs again", func() {
				now = now.Add(2 * time.Hour)
				got, err := store.Get(ctx, item.ID)
				So(err, ShouldBeNil)
				So(got.EffectiveLevel(now), ShouldEqual, workqueue.LevelElevated)
			})

			Convey("Clearing restores the computed level immediately", func() {
				cleared, err := store.ClearOverride(ctx, item.ID)
				So(err, ShouldBeNil)
				So(cleared.EffectiveLevel(now), ShouldEqual, workqueue.LevelElevated)
			})
		})

		Convey("Unknown override levels are rejected", func() {
			item, _, err := store.Upsert(ctx, pendingItem("p7", workqueue.TypeMissedSession, 0.4), scorerBase)
			So(err, ShouldBeNil)
			_, err = store.SetOverride(ctx, item.ID, workqueue.Level("urgent-ish"), now.Add(time.Hour))
			So(err, ShouldEqual, workqueue.ErrInvalidLevel)
		})
	})
}
