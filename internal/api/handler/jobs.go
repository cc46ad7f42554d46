package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
	"github.com/kiranshivaraju/bootfleet/internal/jobs"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// JobService creates jobs with defaults applied.
type JobService interface {
	Enqueue(ctx context.Context, in jobs.EnqueueInput) (*models.Job, error)
	Record(ctx context.Context, in jobs.RecordInput) (*models.Job, error)
}

// JobReader is the read and patch side of the job store.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	CountJobs(ctx context.Context, filter store.JobFilter) (int, error)
	UpdateJob(ctx context.Context, id uuid.UUID, patch store.JobPatch) (*models.Job, error)
	ListJobLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.JobLog, error)
}

// NewEnqueueJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewEnqueueJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in jobs.EnqueueInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if in.Source == "" {
			in.Source = models.JobSourceAPI
		}

		job, err := svc.Enqueue(r.Context(), in)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewRecordJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/record.
func NewRecordJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in jobs.RecordInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if in.Source == "" {
			in.Source = models.JobSourceAPI
		}

		job, err := svc.Record(r.Context(), in)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Created(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(reader JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, offset, ok := pageParams(w, r, store.DefaultJobListLimit, store.MaxJobListLimit)
		if !ok {
			return
		}

		filter := store.JobFilter{
			Status:   q.Get("status"),
			Category: q.Get("category"),
			Type:     q.Get("type"),
			Search:   q.Get("q"),
			Limit:    limit,
			Offset:   offset,
		}
		if err := filter.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
			return
		}

		list, err := reader.ListJobs(r.Context(), filter)
		if err != nil {
			writeJobError(w, err)
			return
		}
		total, err := reader.CountJobs(r.Context(), filter)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Collection(w, list, response.NewPaginationMeta(limit, offset, total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(reader JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := reader.GetJob(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

type patchJobRequest struct {
	Message     *string         `json:"message"`
	Priority    *int            `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts *int            `json:"max_attempts"`
	NextRunAt   *time.Time      `json:"next_run_at"`
}

// NewPatchJobHandler returns an http.HandlerFunc for PATCH /api/v1/jobs/{jobID}.
// Status cannot be patched; it only moves through the worker.
func NewPatchJobHandler(reader JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		var req patchJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if len(req.Payload) > 0 && !json.Valid(req.Payload) {
			response.BadRequest(w, "payload is not valid JSON")
			return
		}
		if req.MaxAttempts != nil && *req.MaxAttempts <= 0 {
			response.BadRequest(w, "max_attempts must be positive")
			return
		}

		job, err := reader.UpdateJob(r.Context(), id, store.JobPatch{
			Message:     req.Message,
			Priority:    req.Priority,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
			NextRunAt:   req.NextRunAt,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobLogsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/logs.
func NewListJobLogsHandler(reader JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		limit, offset, ok := pageParams(w, r, store.DefaultLogListLimit, store.MaxLogListLimit)
		if !ok {
			return
		}

		if _, err := reader.GetJob(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}
		logs, err := reader.ListJobLogs(r.Context(), id, limit, offset)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, logs)
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidFilter):
		response.Error(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(w, "Job")
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Job already exists", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, store.ErrAttemptsExhausted):
		response.Error(w, http.StatusConflict, "MAX_ATTEMPTS_TOO_LOW", err.Error(), nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Internal(w)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.BadRequest(w, "jobID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pageParams reads limit and offset, capping limit at maxLimit.
func pageParams(w http.ResponseWriter, r *http.Request, def, maxLimit int) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit, offset = def, 0

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(w, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(w, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
