// Package handlers holds the job handlers registered by default.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/jobs"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, task *models.Task) bool
}

// AgentCommandPayload is the payload of client.reboot, client.shutdown and
// client.install jobs.
type AgentCommandPayload struct {
	MAC     string          `json:"mac"`
	Command json.RawMessage `json:"command,omitempty"`
}

// AgentCommandResult is stored as the job result.
type AgentCommandResult struct {
	TaskID    uuid.UUID `json:"task_id"`
	Delivered bool      `json:"delivered"`
}

// AgentCommand turns a job into an agent task and hands it to delivery. The task
// ID is derived from the job ID, so a retried attempt reuses the task created by
// an earlier one instead of issuing a second command.
type AgentCommand struct {
	jobType  string
	taskType string
	tasks    TaskStore
	bridge   Deliverer
}

func NewAgentCommand(jobType, taskType string, tasks TaskStore, bridge Deliverer) *AgentCommand {
	return &AgentCommand{jobType: jobType, taskType: taskType, tasks: tasks, bridge: bridge}
}

func (h *AgentCommand) Type() string { return h.jobType }

func (h *AgentCommand) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var p AgentCommandPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminalf("decode payload: %w", err)
	}
	mac, err := models.NormalizeMAC(p.MAC)
	if err != nil {
		return nil, jobs.Terminal(err)
	}
	if len(p.Command) > 0 && !json.Valid(p.Command) {
		return nil, jobs.Terminalf("command is not valid JSON")
	}

	jobID := job.ID
	task := &models.Task{
		ID:       uuid.NewSHA1(job.ID, []byte(h.taskType)),
		AgentMAC: mac,
		JobID:    &jobID,
		Type:     h.taskType,
		Command:  p.Command,
		Status:   models.TaskStatusPending,
	}

	err = h.tasks.CreateTask(ctx, task)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		existing, getErr := h.tasks.GetTask(ctx, task.ID)
		if getErr != nil {
			return nil, fmt.Errorf("load task from earlier attempt: %w", getErr)
		}
		task = existing
	case errors.Is(err, store.ErrNotFound):
		// the job row is gone
		return nil, jobs.Terminalf("create task: %w", err)
	case err != nil:
		return nil, fmt.Errorf("create task: %w", err)
	}

	delivered := false
	if task.Status == models.TaskStatusPending {
		delivered = h.bridge.Deliver(ctx, task)
	}

	return json.Marshal(AgentCommandResult{TaskID: task.ID, Delivered: delivered})
}

// RegisterAgentCommands registers the client.* handlers.
func RegisterAgentCommands(reg *jobs.Registry, tasks TaskStore, bridge Deliverer) {
	reg.Register(NewAgentCommand(jobs.TypeClientReboot, models.TaskTypeReboot, tasks, bridge))
	reg.Register(NewAgentCommand(jobs.TypeClientShutdown, models.TaskTypeShutdown, tasks, bridge))
	reg.Register(NewAgentCommand(jobs.TypeClientInstall, models.TaskTypeInstall, tasks, bridge))
}
