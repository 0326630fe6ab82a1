package loadgen

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"github.com/strydehealth/stride/pkg/logger"
)

// Constants for random number generation.
const (
	randomFloatDivisor = 1000000
	profileDivisor     = 8
)

// Constants for rep score ranges per patient profile.
const (
	steadyScoreMin   = 0.72
	steadyScoreRange = 0.23
	shakyScoreMin    = 0.30
	shakyScoreRange  = 0.25
	declineScoreMin  = 0.80
	declineScoreStep = 0.06
	scoreFloor       = 0.05
)

// Constants for session shape.
const (
	repsPerSessionMin   = 4
	repsPerSessionRange = 5
	contactEverySession = 4
	exercisesPerPatient = 2
)

// Patient profile cases. The distribution is weighted so most timelines
// stay healthy while a minority trip each work-queue trigger.
const (
	caseSteady       = 0 // completes everything, good quality
	caseSteadyAlso   = 1
	caseSteadyThird  = 2
	caseSporadic     = 3 // roughly half the sessions missed
	caseDeclining    = 4 // completes, but quality slides below threshold
	caseDisengaged   = 5 // misses nearly everything, never contacted
	caseShakyQuality = 6 // completes with persistently low scores
	caseRecovering   = 7 // misses early, completes late
)

// getRandomFloat returns a random float64 between 0.0 and 1.0 using crypto/rand.
func getRandomFloat() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(randomFloatDivisor))
	return float64(n.Int64()) / float64(randomFloatDivisor)
}

func getRandomInt(max int64) int64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(max))
	return n.Int64()
}

// generateTimelines creates one event timeline per patient.
func generateTimelines(ctx context.Context, config *Config, stats *Stats) ([]Timeline, error) {
	logger.Get().Info(ctx, "generating patient timelines",
		logger.Int("patients", config.NumPatients),
		logger.Int("sessionsPerPatient", config.Sessions))

	timelines := make([]Timeline, config.NumPatients)

	type timelineResult struct {
		index    int
		timeline Timeline
		err      error
	}

	resultChan := make(chan timelineResult, config.NumPatients)

	// Use worker pool for timeline generation
	workerCount := minInt(config.Workers, config.NumPatients)
	perWorker := config.NumPatients / workerCount

	for worker := 0; worker < workerCount; worker++ {
		start := worker * perWorker
		end := start + perWorker
		if worker == workerCount-1 {
			end = config.NumPatients // Last worker gets remaining patients
		}

		go func(start, end int) {
			for i := start; i < end; i++ {
				select {
				case <-ctx.Done():
					resultChan <- timelineResult{index: i, err: ctx.Err()}
					return
				default:
					resultChan <- timelineResult{index: i, timeline: generateTimeline(config.Sessions)}
				}
			}
		}(start, end)
	}

	total := 0
	for i := 0; i < config.NumPatients; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during timeline generation: %w", ctx.Err())
		case result := <-resultChan:
			if result.err != nil {
				return nil, fmt.Errorf("failed to generate timeline %d: %w", result.index, result.err)
			}
			timelines[result.index] = result.timeline
			total += len(result.timeline.Envelopes)
		}
	}

	stats.PatientsGenerated = len(timelines)
	stats.EventsGenerated = total
	logger.Get().Info(ctx, "generated timelines successfully",
		logger.Int("patients", len(timelines)),
		logger.Int("events", total))

	return timelines, nil
}

// generateTimeline builds a single patient's event sequence under a randomly
// chosen adherence profile.
func generateTimeline(sessions int) Timeline {
	patientID := "patient-" + uuid.New().String()
	profile := getRandomInt(profileDivisor)

	exercises := make([]string, exercisesPerPatient)
	for i := range exercises {
		exercises[i] = "ex-" + strconv.Itoa(int(getRandomInt(900))+100)
	}

	tl := Timeline{Expectation: Expectation{PatientID: patientID}}

	for s := 0; s < sessions; s++ {
		sessionID := "sess-" + uuid.New().String()
		exerciseID := exercises[s%len(exercises)]

		tl.Envelopes = append(tl.Envelopes, envelope(patientID, "session_planned", map[string]any{
			"session_id":  sessionID,
			"exercise_id": exerciseID,
		}))
		tl.Expectation.Planned++

		if sessionCompletes(profile, s, sessions) {
			tl.Envelopes = append(tl.Envelopes, envelope(patientID, "exercise_session", map[string]any{
				"session_id":  sessionID,
				"exercise_id": exerciseID,
			}))

			reps := repsPerSessionMin + int(getRandomInt(repsPerSessionRange))
			for r := 1; r <= reps; r++ {
				tl.Envelopes = append(tl.Envelopes, envelope(patientID, "rep_observation", map[string]any{
					"session_id":  sessionID,
					"exercise_id": exerciseID,
					"rep_number":  r,
					"score":       repScore(profile, s),
				}))
			}

			tl.Envelopes = append(tl.Envelopes, envelope(patientID, "session_complete", map[string]any{
				"session_id":  sessionID,
				"exercise_id": exerciseID,
			}))
			tl.Expectation.Completed++
		} else {
			tl.Envelopes = append(tl.Envelopes, envelope(patientID, "session_missed", map[string]any{
				"session_id":  sessionID,
				"exercise_id": exerciseID,
			}))
			tl.Expectation.Missed++
		}

		if profile != caseDisengaged && s%contactEverySession == contactEverySession-1 {
			tl.Envelopes = append(tl.Envelopes, envelope(patientID, "contact_logged", map[string]any{
				"channel":  "phone",
				"staff_id": "staff-" + strconv.Itoa(int(getRandomInt(20))+1),
			}))
		}
	}

	return tl
}

// sessionCompletes decides the outcome of session s for the profile.
func sessionCompletes(profile int64, s, total int) bool {
	switch profile {
	case caseSporadic:
		return s%2 == 0
	case caseDisengaged:
		return s == 0 // one completion so the row exists, the rest missed
	case caseRecovering:
		return s >= total/3
	default:
		// Healthy profiles miss roughly one session in ten.
		return getRandomFloat() >= 0.1
	}
}

// repScore produces a normalized [0,1] rep score for the profile at
// session s.
func repScore(profile int64, s int) float64 {
	switch profile {
	case caseDeclining:
		score := declineScoreMin - declineScoreStep*float64(s) + getRandomFloat()*0.05
		if score < scoreFloor {
			score = scoreFloor
		}
		return score
	case caseShakyQuality:
		return shakyScoreMin + getRandomFloat()*shakyScoreRange
	default:
		return steadyScoreMin + getRandomFloat()*steadyScoreRange
	}
}

func envelope(patientID, kind string, body map[string]any) Envelope {
	return Envelope{
		Kind:      kind,
		SubjectID: patientID,
		Body:      body,
		Meta:      map[string]any{"consent_reference": "loadgen"},
	}
}

// minInt returns the minimum of two integers.
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
