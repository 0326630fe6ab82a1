// Package projection derives read-model rows from the event log.
//
// Engines are deterministic reducers: replaying the full log from empty
// state reproduces identical rows regardless of batch boundaries or worker
// assignment. Idempotence is enforced per row by recording the highest
// applied global sequence and short-circuiting anything not newer, which is
// also what makes rebuild re-delivery safe.
package projection

import (
	"context"
	"time"

	"github.com/strydehealth/stride/internal/domain/event"
)

// Engine turns events into read-model rows. Rows are owned exclusively by
// their engine; no other component writes projection state.
type Engine interface {
	// Name identifies the engine in metrics and dead-letter records.
	Name() string

	// Apply folds one event into the engine's state. It returns true when
	// the event mutated a row, false when it was ignored or skipped as a
	// duplicate. Applying the same global sequence twice is a no-op.
	Apply(ctx context.Context, e event.Event) (bool, error)

	// Reset clears all rows. Used when a rebuild starts from sequence 0.
	Reset()

	// Rows reports the number of materialized rows.
	Rows() int
}

var (
	_ Engine = (*AdherenceEngine)(nil)
	_ Engine = (*QualityEngine)(nil)
)

// Trend classifications for the adherence rolling window.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// trendWindow is the fixed trailing window of session outcomes used for
// trend classification.
const trendWindow = 10

// classifyTrend compares completion rates of the recent half of the window
// against the older half. Fewer than four outcomes is always stable.
func classifyTrend(outcomes []bool) string {
	if len(outcomes) < 4 {
		return TrendStable
	}
	mid := len(outcomes) / 2
	older := completionRate(outcomes[:mid])
	recent := completionRate(outcomes[mid:])
	switch {
	case recent-older > 0.15:
		return TrendImproving
	case older-recent > 0.15:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func completionRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var done int
	for _, ok := range outcomes {
		if ok {
			done++
		}
	}
	return float64(done) / float64(len(outcomes))
}

// pushBounded appends v keeping at most max entries, dropping the oldest.
func pushBounded[T any](window []T, v T, max int) []T {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

// eventTime returns the deterministic timestamp for row updates. Wall-clock
// reads would break replay determinism, so rows carry event time.
func eventTime(e event.Event) time.Time {
	return e.CreatedAt
}
