package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/bootfleet/internal/api/middleware"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler http.HandlerFunc

	EnqueueJob  http.HandlerFunc
	RecordJob   http.HandlerFunc
	ListJobs    http.HandlerFunc
	GetJob      http.HandlerFunc
	PatchJob    http.HandlerFunc
	ListJobLogs http.HandlerFunc

	JobEvents    http.HandlerFunc
	JobLogEvents http.HandlerFunc

	RegisterAgent http.HandlerFunc
	ListAgents    http.HandlerFunc
	PollTasks     http.HandlerFunc
	ConnectAgent  http.HandlerFunc
	ReportTask    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", orNotImplemented(deps.EnqueueJob))
		r.Get("/", orNotImplemented(deps.ListJobs))
		r.Post("/record", orNotImplemented(deps.RecordJob))
		r.Get("/{jobID}", orNotImplemented(deps.GetJob))
		r.Patch("/{jobID}", orNotImplemented(deps.PatchJob))
		r.Get("/{jobID}/logs", orNotImplemented(deps.ListJobLogs))
	})

	r.Get("/api/v1/events/jobs", orNotImplemented(deps.JobEvents))
	r.Get("/api/v1/events/jobs/{jobID}/logs", orNotImplemented(deps.JobLogEvents))

	r.Route("/api/v1/agents", func(r chi.Router) {
		r.Post("/", orNotImplemented(deps.RegisterAgent))
		r.Get("/", orNotImplemented(deps.ListAgents))

		r.Group(func(r chi.Router) {
			r.Use(mw.AgentMAC)

			r.Get("/{mac}/tasks", orNotImplemented(deps.PollTasks))
			r.Get("/{mac}/connect", orNotImplemented(deps.ConnectAgent))
			r.Post("/{mac}/tasks/{taskID}/report", orNotImplemented(deps.ReportTask))
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "Route not found", nil)
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
