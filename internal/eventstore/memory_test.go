package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/eventstore"
)

func sessionEvent(sessionID string) event.Event {
	return event.Event{
		Type: event.TypeExerciseSession,
		Payload: event.MustPayload(event.ExerciseSessionPayload{
			SessionID:  sessionID,
			ExerciseID: "squat",
		}),
	}
}

func repEvents(sessionID string, n int) []event.Event {
	out := make([]event.Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, event.Event{
			Type: event.TypeRepObservation,
			Payload: event.MustPayload(event.RepObservationPayload{
				SessionID:  sessionID,
				ExerciseID: "squat",
				RepNumber:  i,
				Score:      0.8,
			}),
		})
	}
	return out
}

func TestMemoryStoreAppend(t *testing.T) {
	Convey("Given an empty event store", t, func() {
		ctx := context.Background()
		store := eventstore.NewMemoryStore()

		Convey("Appending k events at the correct version yields version v+k", func() {
			res, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 3))
			So(err, ShouldBeNil)
			So(res.NewVersion, ShouldEqual, 3)
			So(res.GlobalSequences, ShouldResemble, []uint64{1, 2, 3})

			res2, err := store.Append(ctx, "patient-001", 3, repEvents("sess-1", 2))
			So(err, ShouldBeNil)
			So(res2.NewVersion, ShouldEqual, 5)
			So(res2.GlobalSequences, ShouldResemble, []uint64{4, 5})
		})

		Convey("A stale expected version fails with a conflict and leaves the stream unchanged", func() {
			_, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 3))
			So(err, ShouldBeNil)

			_, err = store.Append(ctx, "patient-001", 0, repEvents("sess-1", 1))
			So(errors.Is(err, eventstore.ErrConcurrencyConflict), ShouldBeTrue)

			info, err := store.StreamInfo(ctx, "patient-001")
			So(err, ShouldBeNil)
			So(info.CurrentVersion, ShouldEqual, 3)
		})

		Convey("Appends across streams interleave on the global sequence without gaps", func() {
			_, err := store.Append(ctx, "patient-001", 0, repEvents("a", 2))
			So(err, ShouldBeNil)
			_, err = store.Append(ctx, "patient-002", 0, repEvents("b", 2))
			So(err, ShouldBeNil)

			all, err := store.ReadAll(ctx, 0, 0)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 4)
			for i, e := range all {
				So(e.GlobalSequence, ShouldEqual, uint64(i+1))
			}
		})

		Convey("VersionAny appends regardless of the current version", func() {
			_, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 3))
			So(err, ShouldBeNil)

			res, err := store.Append(ctx, "patient-001", eventstore.VersionAny, repEvents("sess-1", 2))
			So(err, ShouldBeNil)
			So(res.NewVersion, ShouldEqual, 5)

			res, err = store.Append(ctx, "patient-077", eventstore.VersionAny, repEvents("sess-2", 1))
			So(err, ShouldBeNil)
			So(res.NewVersion, ShouldEqual, 1)
		})

		Convey("An empty append is rejected", func() {
			_, err := store.Append(ctx, "patient-001", 0, nil)
			So(errors.Is(err, eventstore.ErrEmptyAppend), ShouldBeTrue)
		})

		Convey("Appending to a closed stream fails", func() {
			_, err := store.Append(ctx, "patient-001", 0, repEvents("a", 1))
			So(err, ShouldBeNil)
			So(store.CloseStream(ctx, "patient-001"), ShouldBeNil)

			_, err = store.Append(ctx, "patient-001", 1, repEvents("a", 1))
			So(errors.Is(err, eventstore.ErrStreamClosed), ShouldBeTrue)

			events, err := store.Read(ctx, "patient-001", 1, 0)
			So(err, ShouldBeNil)
			So(len(events), ShouldEqual, 1)
		})
	})
}

func TestMemoryStoreRead(t *testing.T) {
	Convey("Given a store with one populated stream", t, func() {
		ctx := context.Background()
		store := eventstore.NewMemoryStore()
		_, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 5))
		So(err, ShouldBeNil)

		Convey("Read is restartable from any version", func() {
			events, err := store.Read(ctx, "patient-001", 3, 0)
			So(err, ShouldBeNil)
			So(len(events), ShouldEqual, 3)
			So(events[0].StreamVersion, ShouldEqual, 3)
		})

		Convey("Read honors the limit", func() {
			events, err := store.Read(ctx, "patient-001", 1, 2)
			So(err, ShouldBeNil)
			So(len(events), ShouldEqual, 2)
		})

		Convey("Reading past the head returns nothing", func() {
			events, err := store.Read(ctx, "patient-001", 6, 0)
			So(err, ShouldBeNil)
			So(events, ShouldBeEmpty)
		})

		Convey("Reading an unknown stream fails", func() {
			_, err := store.Read(ctx, "patient-404", 1, 0)
			So(errors.Is(err, eventstore.ErrStreamNotFound), ShouldBeTrue)
		})

		Convey("ReadAll resumes after a sequence", func() {
			events, err := store.ReadAll(ctx, 3, 0)
			So(err, ShouldBeNil)
			So(len(events), ShouldEqual, 2)
			So(events[0].GlobalSequence, ShouldEqual, 4)
		})

		Convey("Head reports the highest assigned sequence", func() {
			head, err := store.Head(ctx)
			So(err, ShouldBeNil)
			So(head, ShouldEqual, 5)
		})
	})
}

func TestMemoryStoreSnapshots(t *testing.T) {
	Convey("Given a store with a stream", t, func() {
		ctx := context.Background()
		store := eventstore.NewMemoryStore()
		_, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 2))
		So(err, ShouldBeNil)

		Convey("Snapshots round-trip and replace older ones", func() {
			So(store.SaveSnapshot(ctx, eventstore.Snapshot{
				StreamID: "patient-001", Version: 1, State: []byte(`{"v":1}`),
			}), ShouldBeNil)
			So(store.SaveSnapshot(ctx, eventstore.Snapshot{
				StreamID: "patient-001", Version: 2, State: []byte(`{"v":2}`),
			}), ShouldBeNil)

			snap, err := store.LoadSnapshot(ctx, "patient-001")
			So(err, ShouldBeNil)
			So(snap.Version, ShouldEqual, 2)
		})

		Convey("Missing snapshots are reported", func() {
			_, err := store.LoadSnapshot(ctx, "patient-404")
			So(errors.Is(err, eventstore.ErrSnapshotNotFound), ShouldBeTrue)
		})
	})
}

func TestMemoryStoreClock(t *testing.T) {
	Convey("Given a store with a fixed clock", t, func() {
		ctx := context.Background()
		now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
		store := eventstore.NewMemoryStore(eventstore.WithClock(func() time.Time { return now }))

		Convey("Appended events are stamped from the injected clock", func() {
			_, err := store.Append(ctx, "patient-001", 0, repEvents("sess-1", 2))
			So(err, ShouldBeNil)

			evs, err := store.Read(ctx, "patient-001", 1, 0)
			So(err, ShouldBeNil)
			So(len(evs), ShouldEqual, 2)
			So(evs[0].CreatedAt, ShouldEqual, now)
			So(evs[1].CreatedAt, ShouldEqual, now)
		})
	})
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	Convey("Given many writers appending to distinct streams", t, func() {
		ctx := context.Background()
		store := eventstore.NewMemoryStore()

		const writers = 16
		const rounds = 25

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				stream := fmt.Sprintf("patient-%03d", w)
				var version uint64
				for r := 0; r < rounds; r++ {
					res, err := store.Append(ctx, stream, version, repEvents("s", 2))
					if err != nil {
						t.Errorf("append: %v", err)
						return
					}
					version = res.NewVersion
				}
			}(w)
		}
		wg.Wait()

		Convey("Global sequences are strictly increasing with no duplicates", func() {
			all, err := store.ReadAll(ctx, 0, 0)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, writers*rounds*2)
			seen := make(map[uint64]bool, len(all))
			for i, e := range all {
				So(e.GlobalSequence, ShouldEqual, uint64(i+1))
				So(seen[e.GlobalSequence], ShouldBeFalse)
				seen[e.GlobalSequence] = true
			}
		})

		Convey("Each stream saw every one of its versions exactly once", func() {
			for w := 0; w < writers; w++ {
				stream := fmt.Sprintf("patient-%03d", w)
				events, err := store.Read(ctx, stream, 1, 0)
				So(err, ShouldBeNil)
				So(len(events), ShouldEqual, rounds*2)
				for i, e := range events {
					So(e.StreamVersion, ShouldEqual, uint64(i+1))
				}
			}
		})
	})
}

func TestMemoryStoreConcurrentConflict(t *testing.T) {
	Convey("Given two writers racing on the same stale version", t, func() {
		ctx := context.Background()
		store := eventstore.NewMemoryStore()
		_, err := store.Append(ctx, "patient-001", 0, repEvents("s", 1))
		So(err, ShouldBeNil)

		results := make(chan error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, "patient-001", 1, repEvents("s", 1))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		Convey("Exactly one append wins and the other conflicts", func() {
			var conflicts, wins int
			for err := range results {
				if err == nil {
					wins++
				} else if errors.Is(err, eventstore.ErrConcurrencyConflict) {
					conflicts++
				}
			}
			So(wins, ShouldEqual, 1)
			So(conflicts, ShouldEqual, 1)

			info, err := store.StreamInfo(ctx, "patient-001")
			So(err, ShouldBeNil)
			So(info.CurrentVersion, ShouldEqual, 2)
		})
	})
}
