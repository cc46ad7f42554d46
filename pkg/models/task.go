package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

const (
	TaskTypeReboot   = "reboot"
	TaskTypeShutdown = "shutdown"
	TaskTypeInstall  = "install"
)

// Task is a command addressed to one agent by MAC address. Delivery never changes
// Status; only the agent's own report does.
type Task struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	AgentMAC    string          `db:"agent_mac"    json:"agent_mac"`
	JobID       *uuid.UUID      `db:"job_id"       json:"job_id,omitempty"`
	Type        string          `db:"type"         json:"type"`
	Command     json.RawMessage `db:"command"      json:"command,omitempty"`
	Status      string          `db:"status"       json:"status"`
	Result      json.RawMessage `db:"result"       json:"result,omitempty"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}
