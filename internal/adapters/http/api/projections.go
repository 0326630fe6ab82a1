package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/strydehealth/stride/internal/projection"
)

// lagInfo reports how far a row's source subscription trails the log head.
type lagInfo struct {
	HeadSequence uint64 `json:"head_sequence"`
	Checkpoint   uint64 `json:"checkpoint"`
	Lag          uint64 `json:"lag"`
}

type adherenceResponse struct {
	projection.AdherenceRow
	CompletionRate float64 `json:"completion_rate"`
	Lag            lagInfo `json:"lag"`
}

type qualityResponse struct {
	projection.QualityRow
	Lag lagInfo `json:"lag"`
}

// ProjectionsHandler serves read-model queries.
type ProjectionsHandler struct {
	deps Dependencies
}

// NewProjectionsHandler creates a new projections handler.
func NewProjectionsHandler(deps Dependencies) *ProjectionsHandler {
	return &ProjectionsHandler{deps: deps}
}

func (h *ProjectionsHandler) lag(r *http.Request) lagInfo {
	head, checkpoint, err := h.deps.Positions(r.Context())
	if err != nil || head < checkpoint {
		return lagInfo{}
	}
	return lagInfo{HeadSequence: head, Checkpoint: checkpoint, Lag: head - checkpoint}
}

// HandleGetAdherence handles GET /projections/adherence/{patient} requests.
func (h *ProjectionsHandler) HandleGetAdherence(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_adherence"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	patientID := strings.TrimPrefix(r.URL.Path, "/projections/adherence/")
	if patientID == "" || strings.Contains(patientID, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	row, ok := h.deps.Adherence(patientID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", NewKind(op, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, adherenceResponse{
		AdherenceRow:   row,
		CompletionRate: row.CompletionRate(),
		Lag:            h.lag(r),
	})
}

// HandleListAdherence handles GET /projections/adherence?since=RFC3339,
// returning rows updated in the window.
func (h *ProjectionsHandler) HandleListAdherence(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_adherence"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing since parameter")))
		return
	}
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("since must be RFC3339")))
		return
	}
	rows := h.deps.AdherenceUpdatedSince(since)
	out := make([]adherenceResponse, 0, len(rows))
	lag := h.lag(r)
	for _, row := range rows {
		out = append(out, adherenceResponse{
			AdherenceRow:   row,
			CompletionRate: row.CompletionRate(),
			Lag:            lag,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetQuality handles GET /projections/quality/{patient}/{exercise}
// and GET /projections/quality/{patient} for all of a patient's exercises.
func (h *ProjectionsHandler) HandleGetQuality(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_quality"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/projections/quality/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		rows := h.deps.QualityForPatient(parts[0])
		if len(rows) == 0 {
			writeError(w, http.StatusNotFound, "not_found", NewKind(op, ErrNotFound))
			return
		}
		lag := h.lag(r)
		out := make([]qualityResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, qualityResponse{QualityRow: row, Lag: lag})
		}
		writeJSON(w, http.StatusOK, out)
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		row, ok := h.deps.Quality(parts[0], parts[1])
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", NewKind(op, ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, qualityResponse{QualityRow: row, Lag: h.lag(r)})
	default:
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
	}
}
