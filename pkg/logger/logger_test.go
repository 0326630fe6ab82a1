package logger

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogger(t *testing.T) {
	Convey("Given an initialized global logger", t, func() {
		So(Init(), ShouldBeNil)

		Convey("Get returns a usable logger", func() {
			l := Get()
			So(l, ShouldNotBeNil)
			l.Info(context.Background(), "hello",
				String("stream", "patient-001"),
				Uint64("global_sequence", 42),
			)
		})

		Convey("Named returns a scoped logger", func() {
			l := Named("eventstore")
			So(l, ShouldNotBeNil)
			l.Debug(context.Background(), "scoped message")
		})

		Convey("SetLevelString accepts known levels", func() {
			for _, lvl := range []string{"debug", "info", "warn", "warning", "error", ""} {
				So(SetLevelString(lvl), ShouldBeNil)
			}
		})

		Convey("SetLevelString rejects unknown levels", func() {
			So(SetLevelString("verbose"), ShouldNotBeNil)
		})

		Convey("Sync never fails", func() {
			So(Sync(), ShouldBeNil)
		})
	})
}
