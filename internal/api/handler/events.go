package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/api/response"
	"github.com/kiranshivaraju/bootfleet/internal/events"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Subscriber hands out broker subscriptions.
type Subscriber interface {
	Subscribe(topic string) *events.Subscription
}

// LogSource loads a job and its existing log lines for replay.
type LogSource interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.JobLog, error)
}

// NewJobEventsHandler returns an http.HandlerFunc for GET /api/v1/events/jobs.
func NewJobEventsHandler(broker Subscriber, ping time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := broker.Subscribe(events.TopicJobs)
		if err := events.Stream(w, r, sub, ping); err != nil {
			streamFailed(w, err)
		}
	}
}

// NewJobLogEventsHandler returns an http.HandlerFunc for
// GET /api/v1/events/jobs/{jobID}/logs. The job's existing lines are replayed
// before live ones.
func NewJobLogEventsHandler(broker Subscriber, source LogSource, ping time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if _, err := source.GetJob(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}

		sub := broker.Subscribe(events.LogTopic(id))
		logs, err := source.ListJobLogs(r.Context(), id, store.MaxLogListLimit, 0)
		if err != nil {
			sub.Close()
			writeJobError(w, err)
			return
		}
		backlog := make([]events.Event, 0, len(logs))
		for _, l := range logs {
			backlog = append(backlog, events.Event{Name: events.EventLog, Data: l})
		}

		if err := events.Stream(w, r, sub, ping, backlog...); err != nil {
			streamFailed(w, err)
		}
	}
}

func streamFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, events.ErrStreamingUnsupported) {
		response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming is not supported", nil)
		return
	}
	// headers are already out; the client sees a closed stream
	slog.Debug("event stream ended", "error", err)
}
