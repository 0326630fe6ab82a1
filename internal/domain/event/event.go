// Package event contains the immutable domain facts flowing through the log.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the kind of a domain event. Events represent facts that
// have occurred, not commands.
type Type string

// Exercise timeline events.
const (
	// TypeSessionPlanned records that a session was scheduled for a patient.
	TypeSessionPlanned Type = "session_planned"
	// TypeExerciseSession records the start of an exercise session.
	TypeExerciseSession Type = "exercise_session"
	// TypeRepObservation records a single scored repetition within a session.
	TypeRepObservation Type = "rep_observation"
	// TypeSessionComplete records the completion of a session.
	TypeSessionComplete Type = "session_complete"
	// TypeSessionMissed records a scheduled session that did not happen.
	TypeSessionMissed Type = "session_missed"
	// TypeContactLogged records a care-team contact with the patient.
	TypeContactLogged Type = "contact_logged"
)

// Metadata carries clinical handling context for an event.
type Metadata struct {
	// Sensitivity flags the payload for restricted handling downstream.
	Sensitivity string `json:"sensitivity,omitempty"`
	// ConsentRef references the consent record covering this event.
	ConsentRef string `json:"consent_ref,omitempty"`
}

// Event is an immutable fact in the log. Once appended it is never mutated
// or deleted. (StreamID, StreamVersion) is unique; GlobalSequence is unique
// and strictly increasing across all streams.
type Event struct {
	// EventID is the unique identifier for this event.
	EventID string
	// StreamID identifies the entity timeline, e.g. a patient's exercise
	// history. Created implicitly on first append.
	StreamID string
	// StreamVersion is the 1-based position within the stream.
	// Assigned by the store on append.
	StreamVersion uint64
	// GlobalSequence is the 1-based position in the total order across all
	// streams. Assigned atomically at commit.
	GlobalSequence uint64
	// Type discriminates the payload shape.
	Type Type
	// CausationID links to the event that caused this one (optional).
	CausationID string
	// CorrelationID groups related events (optional).
	CorrelationID string
	// Payload holds event-specific data as JSON.
	Payload json.RawMessage
	// Metadata carries sensitivity flags and the consent reference.
	Metadata Metadata
	// CreatedAt is when the fact was recorded.
	CreatedAt time.Time
}

// PartitionKey returns the key used to route the event to a pipeline
// partition. All events for one subject land on the same partition, which
// preserves per-entity causal order.
func (e Event) PartitionKey() string {
	return e.StreamID
}

// IsValid reports whether the event type is a known discriminator.
func (t Type) IsValid() bool {
	_, ok := payloadValidators[t]
	return ok
}

// Validate checks the structural invariants of an event prior to append.
// Payload schema violations are rejected here, before the event can enter
// the log.
func (e Event) Validate() error {
	if strings.TrimSpace(e.StreamID) == "" {
		return NewValidation("missing stream id")
	}
	if !e.Type.IsValid() {
		return NewValidation("unknown event type: " + string(e.Type))
	}
	return ValidatePayload(e.Type, e.Payload)
}
