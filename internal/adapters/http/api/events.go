package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/eventstore"
)

// eventEnvelope mirrors the wire schema for POST /events. Body is kept as
// raw JSON and validated against the kind's payload schema before anything
// is stored.
type eventEnvelope struct {
	Kind            string          `json:"kind"`
	SubjectID       string          `json:"subject_id"`
	Body            json.RawMessage `json:"body"`
	Meta            envelopeMeta    `json:"meta"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
}

type envelopeMeta struct {
	SensitivityFlag  string `json:"sensitivity_flag,omitempty"`
	ConsentReference string `json:"consent_reference,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	CausationID      string `json:"causation_id,omitempty"`
}

func (e eventEnvelope) validate() error {
	switch {
	case strings.TrimSpace(e.Kind) == "":
		return errors.New("missing kind")
	case strings.TrimSpace(e.SubjectID) == "":
		return errors.New("missing subject_id")
	case len(e.Body) == 0:
		return errors.New("missing body")
	}
	if !event.Type(e.Kind).IsValid() {
		return errors.New("unknown kind: " + e.Kind)
	}
	return nil
}

// appendResponse acknowledges a durable append.
type appendResponse struct {
	StreamID       string `json:"stream_id"`
	StreamVersion  uint64 `json:"stream_version"`
	GlobalSequence uint64 `json:"global_sequence"`
}

// EventsHandler handles event ingestion requests.
type EventsHandler struct {
	deps Dependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Dependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvent handles POST /events requests. Validation is synchronous:
// a rejected event is never stored. Appends are durable before the response
// is written; projection application happens asynchronously.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	e := event.Event{
		StreamID:      req.SubjectID,
		Type:          event.Type(req.Kind),
		Payload:       req.Body,
		CorrelationID: req.Meta.CorrelationID,
		CausationID:   req.Meta.CausationID,
		Metadata: event.Metadata{
			Sensitivity: req.Meta.SensitivityFlag,
			ConsentRef:  req.Meta.ConsentReference,
		},
	}
	if err := e.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	// Without an expected version the append is unconditional.
	expected := eventstore.VersionAny
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	res, err := h.deps.Append(r.Context(), req.SubjectID, expected, []event.Event{e})
	switch {
	case err == nil:
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "version_conflict", WrapKind(op, ErrConflict, err))
		return
	case errors.Is(err, eventstore.ErrStreamClosed):
		writeError(w, http.StatusConflict, "stream_closed", WrapKind(op, ErrConflict, err))
		return
	case errors.Is(err, event.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
		return
	}

	writeJSON(w, http.StatusOK, appendResponse{
		StreamID:       req.SubjectID,
		StreamVersion:  res.NewVersion,
		GlobalSequence: res.GlobalSequences[len(res.GlobalSequences)-1],
	})
}
