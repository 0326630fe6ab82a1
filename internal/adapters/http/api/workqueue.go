package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/strydehealth/stride/internal/workqueue"
)

// WorkQueueHandler serves the care-staff task queue.
type WorkQueueHandler struct {
	deps Dependencies
}

// NewWorkQueueHandler creates a new work queue handler.
func NewWorkQueueHandler(deps Dependencies) *WorkQueueHandler {
	return &WorkQueueHandler{deps: deps}
}

// HandleList handles GET /workqueue?status=&level=&patient= requests.
// Items come back sorted by priority score, highest first.
func (h *WorkQueueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_workqueue"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	f := workqueue.ListFilter{
		PatientID: r.URL.Query().Get("patient"),
		Status:    workqueue.Status(r.URL.Query().Get("status")),
		MinLevel:  workqueue.Level(r.URL.Query().Get("level")),
	}
	items, err := h.deps.WorkItems(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// overrideRequest pins an item's priority level until it expires.
type overrideRequest struct {
	Level     string `json:"level"`
	ExpiresAt string `json:"expires_at"`
}

// HandleAction handles POST /workqueue/{id}/{start|complete|dismiss|override}.
func (h *WorkQueueHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	const op = "api.workqueue_action"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/workqueue/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	id, action := parts[0], parts[1]

	var (
		item workqueue.Item
		err  error
	)
	switch action {
	case "start":
		item, err = h.deps.StartWorkItem(r.Context(), id)
	case "complete":
		item, err = h.deps.CompleteWorkItem(r.Context(), id)
	case "dismiss":
		item, err = h.deps.DismissWorkItem(r.Context(), id)
	case "override":
		var req overrideRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, decodeErr))
			return
		}
		expiresAt, parseErr := time.Parse(time.RFC3339, req.ExpiresAt)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("expires_at must be RFC3339")))
			return
		}
		item, err = h.deps.OverrideWorkItem(r.Context(), id, workqueue.Level(req.Level), expiresAt)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("unknown action "+action)))
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, item)
	case errors.Is(err, workqueue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
	case errors.Is(err, workqueue.ErrItemTerminal):
		writeError(w, http.StatusConflict, "item_terminal", WrapKind(op, ErrConflict, err))
	case errors.Is(err, workqueue.ErrInvalidLevel):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	}
}
