// Package models contains shared data models used across the bootfleet codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobSourceSystem = "system"
	JobSourceAPI    = "api"
	JobSourceUser   = "user"
)

// IsValidJobStatus reports whether s is one of the four job statuses.
// "pending" is a task status and is deliberately not accepted here.
func IsValidJobStatus(s string) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is a durable, retryable unit of administrative work. Workers claim queued jobs
// through the store; status is always read back from Postgres, never cached.
type Job struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	Type             string          `db:"type"              json:"type"`
	Category         string          `db:"category"          json:"category"`
	Status           string          `db:"status"            json:"status"`
	Priority         int             `db:"priority"          json:"priority"`
	Payload          json.RawMessage `db:"payload"           json:"payload,omitempty"`
	Result           json.RawMessage `db:"result"            json:"result,omitempty"`
	Error            *string         `db:"error"             json:"error,omitempty"`
	Message          *string         `db:"message"           json:"message,omitempty"`
	Source           string          `db:"source"            json:"source"`
	CreatedBy        *string         `db:"created_by"        json:"created_by,omitempty"`
	TargetType       *string         `db:"target_type"       json:"target_type,omitempty"`
	TargetID         *string         `db:"target_id"         json:"target_id,omitempty"`
	Attempts         int             `db:"attempts"          json:"attempts"`
	MaxAttempts      int             `db:"max_attempts"      json:"max_attempts"`
	ConcurrencyKey   *string         `db:"concurrency_key"   json:"concurrency_key,omitempty"`
	ConcurrencyLimit *int            `db:"concurrency_limit" json:"concurrency_limit,omitempty"`
	NextRunAt        time.Time       `db:"next_run_at"       json:"next_run_at"`
	StartedAt        *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt      *time.Time      `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
