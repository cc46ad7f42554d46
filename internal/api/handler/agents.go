package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/bootfleet/internal/api/middleware"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/agentstream"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

type AgentRegistry interface {
	UpsertAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
}

// StreamSettings tells a registering agent where its durable task stream lives.
type StreamSettings struct {
	MaxDeliver int `json:"max_deliver"`
}

type registerAgentRequest struct {
	MAC       string  `json:"mac"`
	Hostname  *string `json:"hostname"`
	IPAddress *string `json:"ip_address"`
	Version   *string `json:"version"`
}

type registerAgentResponse struct {
	Agent  *models.Agent `json:"agent"`
	Stream streamInfo    `json:"stream"`
}

type streamInfo struct {
	Key        string `json:"key"`
	Group      string `json:"group"`
	MaxDeliver int    `json:"max_deliver"`
}

// NewRegisterAgentHandler returns an http.HandlerFunc for POST /api/v1/agents.
// Repeated calls act as heartbeats.
func NewRegisterAgentHandler(agents AgentRegistry, stream StreamSettings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		mac, err := models.NormalizeMAC(req.MAC)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_MAC", "mac must be a hardware address", nil)
			return
		}
		if req.IPAddress == nil {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				req.IPAddress = &host
			}
		}

		agent, err := agents.UpsertAgent(r.Context(), &models.Agent{
			MAC:       mac,
			Hostname:  req.Hostname,
			IPAddress: req.IPAddress,
			Version:   req.Version,
		})
		if err != nil {
			slog.Error("register agent failed", "mac", mac, "error", err)
			response.Internal(w)
			return
		}

		response.JSON(w, registerAgentResponse{
			Agent: agent,
			Stream: streamInfo{
				Key:        agentstream.StreamKey(mac),
				Group:      agentstream.Group,
				MaxDeliver: stream.MaxDeliver,
			},
		})
	}
}

// NewListAgentsHandler returns an http.HandlerFunc for GET /api/v1/agents.
func NewListAgentsHandler(agents AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := agents.ListAgents(r.Context())
		if err != nil {
			slog.Error("list agents failed", "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, list)
	}
}

// TaskPoller waits for an agent's pending tasks.
type TaskPoller interface {
	Wait(ctx context.Context, mac string, timeout time.Duration) ([]*models.Task, error)
}

// Heartbeat stamps an agent's liveness.
type Heartbeat interface {
	Touch(ctx context.Context, mac string) error
}

// NewPollTasksHandler returns an http.HandlerFunc for
// GET /api/v1/agents/{mac}/tasks?timeout=<seconds>.
func NewPollTasksHandler(poller TaskPoller, hb Heartbeat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, _ := mw.GetAgentMAC(r)

		var timeout time.Duration
		if v := r.URL.Query().Get("timeout"); v != "" {
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil || secs < 0 {
				response.BadRequest(w, "timeout must be a non-negative number of seconds")
				return
			}
			timeout = time.Duration(secs * float64(time.Second))
		}

		if err := hb.Touch(r.Context(), mac); err != nil {
			slog.Warn("touch agent on poll failed", "mac", mac, "error", err)
		}

		tasks, err := poller.Wait(r.Context(), mac, timeout)
		if err != nil {
			slog.Error("poll tasks failed", "mac", mac, "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, tasks)
	}
}

// LiveConnector serves an agent's live push connection.
type LiveConnector interface {
	Serve(w http.ResponseWriter, r *http.Request, mac string) error
}

// NewConnectHandler returns an http.HandlerFunc for GET /api/v1/agents/{mac}/connect.
func NewConnectHandler(hub LiveConnector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, _ := mw.GetAgentMAC(r)
		// on failure the upgrader has already written the HTTP error
		if err := hub.Serve(w, r, mac); err != nil {
			slog.Warn("agent websocket upgrade failed", "mac", mac, "error", err)
		}
	}
}

// TaskReporter records agent reports against tasks.
type TaskReporter interface {
	ReportTask(ctx context.Context, id uuid.UUID, mac, status string, result json.RawMessage) (*models.Task, error)
}

type reportTaskRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// NewReportTaskHandler returns an http.HandlerFunc for
// POST /api/v1/agents/{mac}/tasks/{taskID}/report.
func NewReportTaskHandler(tasks TaskReporter, hb Heartbeat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, _ := mw.GetAgentMAC(r)
		id, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.BadRequest(w, "taskID must be a UUID")
			return
		}

		var req reportTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		switch req.Status {
		case models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed:
		default:
			response.BadRequest(w, "status must be one of running, completed, failed")
			return
		}
		if len(req.Result) > 0 && !json.Valid(req.Result) {
			response.BadRequest(w, "result is not valid JSON")
			return
		}

		if err := hb.Touch(r.Context(), mac); err != nil {
			slog.Warn("touch agent on report failed", "mac", mac, "error", err)
		}

		task, err := tasks.ReportTask(r.Context(), id, mac, req.Status, req.Result)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.NotFound(w, "Task")
		case errors.Is(err, store.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
		case err != nil:
			slog.Error("report task failed", "task_id", id, "error", err)
			response.Internal(w)
		default:
			response.JSON(w, task)
		}
	}
}
