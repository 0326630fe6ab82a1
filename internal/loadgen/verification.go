package loadgen

import (
	"fmt"
	"log"
	"sort"
)

// verifyResults compares the retrieved adherence rows against the counts
// each generated timeline should project to.
func verifyResults(config *Config, timelines []Timeline, rows []AdherenceView, stats *Stats) error {
	log.Println("🔍 Verifying projections...")

	if len(rows) == 0 {
		return fmt.Errorf("no adherence rows to verify")
	}

	expected := make(map[string]Expectation, len(timelines))
	for _, tl := range timelines {
		expected[tl.Expectation.PatientID] = tl.Expectation
	}

	matched := 0
	var mismatches []string
	for _, row := range rows {
		want, ok := expected[row.PatientID]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: row for a patient that was never generated", row.PatientID))
			continue
		}
		if row.PlannedSessions != want.Planned ||
			row.CompletedSessions != want.Completed ||
			row.MissedSessions != want.Missed {
			mismatches = append(mismatches, fmt.Sprintf(
				"%s: planned %d/%d completed %d/%d missed %d/%d (got/want)",
				row.PatientID,
				row.PlannedSessions, want.Planned,
				row.CompletedSessions, want.Completed,
				row.MissedSessions, want.Missed))
			continue
		}
		matched++
	}

	stats.RowsMatched = matched
	stats.RowsMismatched = len(mismatches)

	if len(mismatches) > 0 {
		log.Printf("⚠️  %d of %d rows diverge from their timelines:", len(mismatches), len(rows))
		shown := minInt(len(mismatches), 10)
		for i := 0; i < shown; i++ {
			log.Printf("   %s", mismatches[i])
		}
		if len(mismatches) > shown {
			log.Printf("   ... and %d more", len(mismatches)-shown)
		}
	} else {
		log.Printf("✅ All %d rows match their generated timelines", matched)
	}

	displayAdherenceSpread(rows, config.Verbose)

	// Submission failures explain divergence; a clean run must match exactly.
	if stats.EventsFailed == 0 && len(mismatches) > 0 {
		return fmt.Errorf("%d rows diverge with no failed submissions", len(mismatches))
	}

	log.Println("✅ Result verification completed")
	return nil
}

// displayAdherenceSpread shows the least adherent patients and, in verbose
// mode, summary statistics over completion rates.
func displayAdherenceSpread(rows []AdherenceView, verbose bool) {
	sorted := make([]AdherenceView, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletionRate < sorted[j].CompletionRate
	})

	bottomN := minInt(len(sorted), 10)
	log.Printf("🚨 %d least adherent patients:", bottomN)
	for i := 0; i < bottomN; i++ {
		row := sorted[i]
		log.Printf("   %d. %s - completion: %.2f (missed %d, consecutive %d)",
			i+1, row.PatientID, row.CompletionRate, row.MissedSessions, row.ConsecutiveMissed)
	}

	if verbose && len(sorted) > 0 {
		sum := 0.0
		for _, row := range sorted {
			sum += row.CompletionRate
		}
		log.Printf(`📊 Completion rate statistics:
   Average: %.3f
   Minimum: %.3f
   Maximum: %.3f
`, sum/float64(len(sorted)), sorted[0].CompletionRate, sorted[len(sorted)-1].CompletionRate)
	}
}
