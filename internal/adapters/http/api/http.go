// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/strydehealth/stride/internal/domain/event"
	"github.com/strydehealth/stride/internal/eventstore"
	"github.com/strydehealth/stride/internal/pipeline"
	"github.com/strydehealth/stride/internal/projection"
	"github.com/strydehealth/stride/internal/subscription"
	"github.com/strydehealth/stride/internal/workqueue"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Ingestion.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events []event.Event) (eventstore.AppendResult, error)

	// Projection queries.
	Adherence(patientID string) (projection.AdherenceRow, bool)
	AdherenceUpdatedSince(cutoff time.Time) []projection.AdherenceRow
	Quality(patientID, exerciseID string) (projection.QualityRow, bool)
	QualityForPatient(patientID string) []projection.QualityRow
	Positions(ctx context.Context) (head, checkpoint uint64, err error)

	// Work queue lifecycle.
	WorkItems(ctx context.Context, f workqueue.ListFilter) ([]workqueue.Item, error)
	StartWorkItem(ctx context.Context, id string) (workqueue.Item, error)
	CompleteWorkItem(ctx context.Context, id string) (workqueue.Item, error)
	DismissWorkItem(ctx context.Context, id string) (workqueue.Item, error)
	OverrideWorkItem(ctx context.Context, id string, level workqueue.Level, expiresAt time.Time) (workqueue.Item, error)

	// Administration.
	Subscriptions() []subscription.Subscription
	PauseSubscription(ctx context.Context, name string) error
	ResumeSubscription(ctx context.Context, name string) error
	RebuildSubscription(ctx context.Context, name string) error
	DeadLetters(ctx context.Context) ([]pipeline.DeadLetterRecord, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	eventsHandler      *EventsHandler
	projectionsHandler *ProjectionsHandler
	workqueueHandler   *WorkQueueHandler
	adminHandler       *AdminHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		eventsHandler:      NewEventsHandler(deps),
		projectionsHandler: NewProjectionsHandler(deps),
		workqueueHandler:   NewWorkQueueHandler(deps),
		adminHandler:       NewAdminHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/metrics", s.healthHandler.HandleMetrics)
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
	mux.HandleFunc("/projections/adherence", MetricsMiddleware(s.projectionsHandler.HandleListAdherence, "projections_adherence_list"))
	mux.HandleFunc("/projections/adherence/", MetricsMiddleware(s.projectionsHandler.HandleGetAdherence, "projections_adherence"))
	mux.HandleFunc("/projections/quality/", MetricsMiddleware(s.projectionsHandler.HandleGetQuality, "projections_quality"))
	mux.HandleFunc("/workqueue", MetricsMiddleware(s.workqueueHandler.HandleList, "workqueue_list"))
	mux.HandleFunc("/workqueue/", MetricsMiddleware(s.workqueueHandler.HandleAction, "workqueue_action"))
	mux.HandleFunc("/admin/subscriptions", MetricsMiddleware(s.adminHandler.HandleListSubscriptions, "admin_subscriptions"))
	mux.HandleFunc("/admin/subscriptions/", MetricsMiddleware(s.adminHandler.HandleSubscriptionAction, "admin_subscription_action"))
	mux.HandleFunc("/admin/deadletter", MetricsMiddleware(s.adminHandler.HandleDeadLetter, "admin_deadletter"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
