// Package events carries job and job-log change notifications in two hops: a
// database-level pub/sub that every process sees, then a process-local fan-out to
// live subscribers such as dashboard streams.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Database notification channels.
const (
	ChannelJobs       = "job_events"
	ChannelJobLogs    = "job_log_events"
	ChannelAgentTasks = "agent_task_events"
)

// Job event names.
const (
	JobCreated   = "created"
	JobUpdated   = "updated"
	JobStarted   = "started"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobRetrying  = "retrying"
)

// EventLog names events on a job's log topic.
const EventLog = "log"

// JobEventForStatus names the event emitted when a job enters status.
func JobEventForStatus(status string) string {
	switch status {
	case models.JobStatusRunning:
		return JobStarted
	case models.JobStatusCompleted:
		return JobCompleted
	case models.JobStatusFailed:
		return JobFailed
	case models.JobStatusQueued:
		return JobRetrying
	}
	return JobUpdated
}

type JobNotification struct {
	ID    uuid.UUID `json:"id"`
	Event string    `json:"event"`
}

type LogNotification struct {
	JobID uuid.UUID `json:"job_id"`
	LogID int64     `json:"log_id"`
}

// TaskNotification asks whichever process holds the agent's live connection to
// push the task.
type TaskNotification struct {
	ID  uuid.UUID `json:"id"`
	MAC string    `json:"mac"`
}

// Publisher is the durable event source: writes announced here reach every process.
type Publisher interface {
	PublishJob(ctx context.Context, id uuid.UUID, event string) error
	PublishLog(ctx context.Context, jobID uuid.UUID, logID int64) error
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGPublisher publishes with pg_notify.
type PGPublisher struct {
	db Execer
}

func NewPGPublisher(db Execer) *PGPublisher {
	return &PGPublisher{db: db}
}

func (p *PGPublisher) PublishJob(ctx context.Context, id uuid.UUID, event string) error {
	return p.notify(ctx, ChannelJobs, JobNotification{ID: id, Event: event})
}

func (p *PGPublisher) PublishLog(ctx context.Context, jobID uuid.UUID, logID int64) error {
	return p.notify(ctx, ChannelJobLogs, LogNotification{JobID: jobID, LogID: logID})
}

// PublishTask announces a task for live push. It is not a job event and carries
// no row data; the receiving listener re-reads the task.
func (p *PGPublisher) PublishTask(ctx context.Context, id uuid.UUID, mac string) error {
	return p.notify(ctx, ChannelAgentTasks, TaskNotification{ID: id, MAC: mac})
}

func (p *PGPublisher) notify(ctx context.Context, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if _, err := p.db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(b)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
