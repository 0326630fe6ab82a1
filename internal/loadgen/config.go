package loadgen

import "time"

// Config holds configuration for a load run.
type Config struct {
	BaseURL     string        // Base URL of the service
	NumPatients int           // Number of patient timelines to generate
	Sessions    int           // Scheduled sessions per patient
	Workers     int           // Number of concurrent workers
	Timeout     time.Duration // HTTP request timeout
	DrainWait   time.Duration // Maximum time to wait for the projection lag to drain
	OutputFile  string        // Output file for generated envelopes
	LogFile     string        // Log file for run output
	Verbose     bool          // Enable verbose logging
}

// Envelope mirrors the POST /events wire schema.
type Envelope struct {
	Kind      string         `json:"kind"`
	SubjectID string         `json:"subject_id"`
	Body      map[string]any `json:"body"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// AppendAck is the response to a successful event submission.
type AppendAck struct {
	StreamID       string `json:"stream_id"`
	StreamVersion  uint64 `json:"stream_version"`
	GlobalSequence uint64 `json:"global_sequence"`
}

// AdherenceView is the projection row as served by the API.
type AdherenceView struct {
	PatientID         string  `json:"patient_id"`
	PlannedSessions   int     `json:"planned_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	MissedSessions    int     `json:"missed_sessions"`
	ConsecutiveMissed int     `json:"consecutive_missed"`
	CompletionRate    float64 `json:"completion_rate"`
}

// Expectation records the counts a patient's timeline should project to.
type Expectation struct {
	PatientID string
	Planned   int
	Completed int
	Missed    int
}

// Timeline is one patient's generated event sequence plus its expected
// projection outcome. Envelopes must be submitted in order.
type Timeline struct {
	Expectation Expectation
	Envelopes   []Envelope
}

// Stats holds run statistics.
type Stats struct {
	PatientsGenerated int
	EventsGenerated   int
	EventsSubmitted   int
	EventsSuccessful  int
	EventsFailed      int
	RowsRetrieved     int
	RowsMatched       int
	RowsMismatched    int
	LatencyP50        time.Duration
	LatencyP95        time.Duration
	LatencyP99        time.Duration
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
