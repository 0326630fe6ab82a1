package event

import (
	"encoding/json"
	"fmt"
)

// SessionPlannedPayload schedules a future session for a patient+exercise.
type SessionPlannedPayload struct {
	SessionID  string `json:"session_id"`
	ExerciseID string `json:"exercise_id"`
	PlannedFor string `json:"planned_for,omitempty"`
}

// ExerciseSessionPayload marks the start of a session.
type ExerciseSessionPayload struct {
	SessionID  string `json:"session_id"`
	ExerciseID string `json:"exercise_id"`
}

// RepObservationPayload carries one scored repetition. Score is normalized
// to [0,1] by the movement-analysis producer.
type RepObservationPayload struct {
	SessionID  string  `json:"session_id"`
	ExerciseID string  `json:"exercise_id"`
	RepNumber  int     `json:"rep_number"`
	Score      float64 `json:"score"`
}

// SessionCompletePayload closes a session.
type SessionCompletePayload struct {
	SessionID  string `json:"session_id"`
	ExerciseID string `json:"exercise_id"`
}

// SessionMissedPayload records a scheduled session that did not happen.
type SessionMissedPayload struct {
	SessionID  string `json:"session_id"`
	ExerciseID string `json:"exercise_id"`
}

// ContactLoggedPayload records a care-team touchpoint with the patient.
type ContactLoggedPayload struct {
	Channel string `json:"channel"`
	StaffID string `json:"staff_id,omitempty"`
}

// payloadValidators is the tagged-union dispatch table: adding a new event
// type means adding an entry here, not touching consumers.
var payloadValidators = map[Type]func(json.RawMessage) error{
	TypeSessionPlanned: func(raw json.RawMessage) error {
		var p SessionPlannedPayload
		return decodeRequired(raw, &p, func() error {
			if p.SessionID == "" {
				return NewValidation("session_planned: missing session_id")
			}
			return nil
		})
	},
	TypeExerciseSession: func(raw json.RawMessage) error {
		var p ExerciseSessionPayload
		return decodeRequired(raw, &p, func() error {
			if p.SessionID == "" {
				return NewValidation("exercise_session: missing session_id")
			}
			if p.ExerciseID == "" {
				return NewValidation("exercise_session: missing exercise_id")
			}
			return nil
		})
	},
	TypeRepObservation: func(raw json.RawMessage) error {
		var p RepObservationPayload
		return decodeRequired(raw, &p, func() error {
			if p.SessionID == "" {
				return NewValidation("rep_observation: missing session_id")
			}
			if p.ExerciseID == "" {
				return NewValidation("rep_observation: missing exercise_id")
			}
			if p.Score < 0 || p.Score > 1 {
				return NewValidation(fmt.Sprintf("rep_observation: score %v outside [0,1]", p.Score))
			}
			return nil
		})
	},
	// The quality read model keys rows by (patient, exercise), so the
	// exercise id is part of the schema for anything it folds in.
	TypeSessionComplete: func(raw json.RawMessage) error {
		var p SessionCompletePayload
		return decodeRequired(raw, &p, func() error {
			if p.SessionID == "" {
				return NewValidation("session_complete: missing session_id")
			}
			if p.ExerciseID == "" {
				return NewValidation("session_complete: missing exercise_id")
			}
			return nil
		})
	},
	TypeSessionMissed: func(raw json.RawMessage) error {
		var p SessionMissedPayload
		return decodeRequired(raw, &p, func() error {
			if p.SessionID == "" {
				return NewValidation("session_missed: missing session_id")
			}
			return nil
		})
	},
	TypeContactLogged: func(raw json.RawMessage) error {
		var p ContactLoggedPayload
		return decodeRequired(raw, &p, func() error {
			if p.Channel == "" {
				return NewValidation("contact_logged: missing channel")
			}
			return nil
		})
	},
}

// ValidatePayload checks that the raw payload decodes against the schema
// for the given type.
func ValidatePayload(t Type, raw json.RawMessage) error {
	validate, ok := payloadValidators[t]
	if !ok {
		return NewValidation("unknown event type: " + string(t))
	}
	return validate(raw)
}

// DecodePayload unmarshals the event payload into out. Callers pass the
// payload struct matching the event type.
func DecodePayload(e Event, out any) error {
	if len(e.Payload) == 0 {
		return NewValidation("empty payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MustPayload marshals a payload struct, panicking on failure. Intended for
// producers constructing events from typed payloads.
func MustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return raw
}

func decodeRequired(raw json.RawMessage, out any, check func() error) error {
	if len(raw) == 0 {
		return NewValidation("empty payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewValidation("malformed payload: " + err.Error())
	}
	return check()
}
