package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/config"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

var ErrInvalidJob = errors.New("invalid job")

// Agent command job types.
const (
	TypeClientReboot   = "client.reboot"
	TypeClientShutdown = "client.shutdown"
	TypeClientInstall  = "client.install"
)

// defaultMaxAttempts holds per-type retry budgets. Types not listed fall back to
// JOB_DEFAULT_MAX_ATTEMPTS.
var defaultMaxAttempts = map[string]int{
	TypeClientReboot:   5,
	TypeClientShutdown: 5,
	TypeClientInstall:  3,
	"images.import":    3,
	"images.delete":    1,
	"menus.render":     2,
	"mirrors.discover": 5,
}

// Creator persists new jobs.
type Creator interface {
	CreateJob(ctx context.Context, job *models.Job) error
}

// EnqueueInput describes a job to queue. Nil pointers take defaults.
type EnqueueInput struct {
	Type             string          `json:"type"`
	Category         string          `json:"category"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Priority         int             `json:"priority"`
	Source           string          `json:"source"`
	Message          *string         `json:"message,omitempty"`
	CreatedBy        *string         `json:"created_by,omitempty"`
	TargetType       *string         `json:"target_type,omitempty"`
	TargetID         *string         `json:"target_id,omitempty"`
	MaxAttempts      *int            `json:"max_attempts,omitempty"`
	ConcurrencyKey   *string         `json:"concurrency_key,omitempty"`
	ConcurrencyLimit *int            `json:"concurrency_limit,omitempty"`
	RunAt            *time.Time      `json:"run_at,omitempty"`
}

// RecordInput describes work that already happened synchronously but should still
// appear in the job history. A non-nil Error records it as failed.
type RecordInput struct {
	Type       string          `json:"type"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Message    *string         `json:"message,omitempty"`
	Source     string          `json:"source"`
	CreatedBy  *string         `json:"created_by,omitempty"`
	TargetType *string         `json:"target_type,omitempty"`
	TargetID   *string         `json:"target_id,omitempty"`
}

// Service creates jobs with their defaults applied.
type Service struct {
	store       Creator
	cfg         config.JobsConfig
	maxAttempts map[string]int
}

func NewService(store Creator, cfg config.JobsConfig) *Service {
	attempts := make(map[string]int, len(defaultMaxAttempts))
	for k, v := range defaultMaxAttempts {
		attempts[k] = v
	}
	return &Service{store: store, cfg: cfg, maxAttempts: attempts}
}

// SetMaxAttempts overrides the retry budget for a job type.
func (s *Service) SetMaxAttempts(jobType string, n int) {
	s.maxAttempts[jobType] = n
}

func (s *Service) maxAttemptsFor(jobType string) int {
	if n, ok := s.maxAttempts[jobType]; ok && n > 0 {
		return n
	}
	return s.cfg.DefaultMaxAttempts
}

// Enqueue queues a new job. It always starts queued with zero attempts.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*models.Job, error) {
	if err := validateCommon(in.Type, in.Source, in.Payload); err != nil {
		return nil, err
	}
	if in.MaxAttempts != nil && *in.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w: max_attempts must be positive", ErrInvalidJob)
	}
	if in.ConcurrencyLimit != nil && *in.ConcurrencyLimit <= 0 {
		return nil, fmt.Errorf("%w: concurrency_limit must be positive", ErrInvalidJob)
	}

	job := &models.Job{
		ID:         uuid.New(),
		Type:       in.Type,
		Category:   in.Category,
		Status:     models.JobStatusQueued,
		Priority:   in.Priority,
		Payload:    in.Payload,
		Message:    in.Message,
		Source:     sourceOrDefault(in.Source),
		CreatedBy:  in.CreatedBy,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
	}

	job.MaxAttempts = s.maxAttemptsFor(in.Type)
	if in.MaxAttempts != nil {
		job.MaxAttempts = *in.MaxAttempts
	}

	key := ""
	if in.ConcurrencyKey != nil {
		key = strings.TrimSpace(*in.ConcurrencyKey)
	}
	if key == "" {
		key = in.Category
	}
	if key != "" {
		limit := s.cfg.LimitFor(key)
		if in.ConcurrencyLimit != nil {
			limit = *in.ConcurrencyLimit
		}
		job.ConcurrencyKey = &key
		job.ConcurrencyLimit = &limit
	}

	if in.RunAt != nil {
		job.NextRunAt = *in.RunAt
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", in.Type, err)
	}
	return job, nil
}

// Record stores an already finished job, completed unless in.Error is set.
func (s *Service) Record(ctx context.Context, in RecordInput) (*models.Job, error) {
	if err := validateCommon(in.Type, in.Source, in.Payload); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		Type:        in.Type,
		Category:    in.Category,
		Status:      models.JobStatusCompleted,
		Payload:     in.Payload,
		Result:      in.Result,
		Message:     in.Message,
		Source:      sourceOrDefault(in.Source),
		CreatedBy:   in.CreatedBy,
		TargetType:  in.TargetType,
		TargetID:    in.TargetID,
		Attempts:    1,
		MaxAttempts: max(1, s.maxAttemptsFor(in.Type)),
		NextRunAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if in.Error != nil {
		job.Status = models.JobStatusFailed
		job.Error = in.Error
		job.Result = nil
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record %s: %w", in.Type, err)
	}
	return job, nil
}

func validateCommon(jobType, source string, payload json.RawMessage) error {
	if strings.TrimSpace(jobType) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	switch source {
	case "", models.JobSourceSystem, models.JobSourceAPI, models.JobSourceUser:
	default:
		return fmt.Errorf("%w: source must be one of system, api, user", ErrInvalidJob)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	return nil
}

func sourceOrDefault(source string) string {
	if source == "" {
		return models.JobSourceSystem
	}
	return source
}
