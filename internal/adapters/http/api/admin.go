package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/strydehealth/stride/internal/subscription"
)

// AdminHandler serves subscription and dead-letter administration.
type AdminHandler struct {
	deps Dependencies
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps Dependencies) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// subscriptionResponse is the admin view of one subscription cursor.
type subscriptionResponse struct {
	subscription.Subscription
	Lag uint64 `json:"lag"`
}

// HandleListSubscriptions handles GET /admin/subscriptions requests.
func (h *AdminHandler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_subscriptions"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	head, _, err := h.deps.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
		return
	}
	subs := h.deps.Subscriptions()
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp := subscriptionResponse{Subscription: sub}
		if head > sub.LastSeenGlobalSequence {
			resp.Lag = head - sub.LastSeenGlobalSequence
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSubscriptionAction handles
// POST /admin/subscriptions/{name}/{pause|resume|rebuild}.
func (h *AdminHandler) HandleSubscriptionAction(w http.ResponseWriter, r *http.Request) {
	const op = "api.subscription_action"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/subscriptions/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	name, action := parts[0], parts[1]

	var err error
	switch action {
	case "pause":
		err = h.deps.PauseSubscription(r.Context(), name)
	case "resume":
		err = h.deps.ResumeSubscription(r.Context(), name)
	case "rebuild":
		err = h.deps.RebuildSubscription(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("unknown action "+action)))
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": action})
	case errors.Is(err, subscription.ErrUnknownSubscription):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	}
}

// HandleDeadLetter handles GET /admin/deadletter requests.
func (h *AdminHandler) HandleDeadLetter(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_deadletter"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	records, err := h.deps.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}
