package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")
var ErrInvalidFilter = errors.New("invalid filter")
var ErrAttemptsExhausted = errors.New("max_attempts below attempts already made")

const (
	DefaultJobListLimit = 100
	MaxJobListLimit     = 1000
	DefaultLogListLimit = 500
	MaxLogListLimit     = 2000
)

// JobStore is the durable job table plus its append-only logs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	UpdateJob(ctx context.Context, id uuid.UUID, patch JobPatch) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	ClaimNext(ctx context.Context) (*models.Job, error)

	AppendJobLog(ctx context.Context, jobID uuid.UUID, level, message string) (*models.JobLog, error)
	GetJobLog(ctx context.Context, id int64) (*models.JobLog, error)
	ListJobLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.JobLog, error)
}

// TaskStore persists agent-bound tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListPendingTasks(ctx context.Context, mac string) ([]*models.Task, error)
	ReportTask(ctx context.Context, id uuid.UUID, mac, status string, result json.RawMessage) (*models.Task, error)
}

// AgentStore persists agent identity and liveness.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	TouchAgent(ctx context.Context, mac string) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteStaleAgent(ctx context.Context, mac string, cutoff time.Time) (bool, error)
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	TaskStore
	AgentStore
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Status   string
	Category string
	Type     string
	Search   string
	Limit    int
	Offset   int
}

// Validate rejects statuses outside the job vocabulary. "pending" belongs to tasks.
func (f JobFilter) Validate() error {
	if f.Status != "" && !models.IsValidJobStatus(f.Status) {
		return errors.Join(ErrInvalidFilter, errors.New("status must be one of queued, running, completed, failed"))
	}
	if f.Limit < 0 || f.Offset < 0 {
		return errors.Join(ErrInvalidFilter, errors.New("limit and offset must not be negative"))
	}
	return nil
}

// JobPatch holds the non-status fields that may be changed on an existing job.
// Nil fields are left untouched.
type JobPatch struct {
	Message     *string
	Priority    *int
	Payload     json.RawMessage
	MaxAttempts *int
	NextRunAt   *time.Time
}

func (p JobPatch) empty() bool {
	return p.Message == nil && p.Priority == nil && p.Payload == nil &&
		p.MaxAttempts == nil && p.NextRunAt == nil
}

// JobUpdateParams is the resolved form of a set of JobUpdateOption values.
type JobUpdateParams struct {
	Error     *string
	Result    json.RawMessage
	Message   *string
	NextRunAt *time.Time
}

type JobUpdateOption func(*JobUpdateParams)

func ResolveJobUpdateOptions(opts ...JobUpdateOption) JobUpdateParams {
	var p JobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithError(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.Error = &msg
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.Result = result
	}
}

func WithMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.Message = &msg
	}
}

func WithNextRunAt(t time.Time) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.NextRunAt = &t
	}
}
