package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// TaskAnnouncer broadcasts a task id to every process. *events.PGPublisher implements it.
type TaskAnnouncer interface {
	PublishTask(ctx context.Context, id uuid.UUID, mac string) error
}

// Relay is the live transport of a process that holds no agent connections. It
// announces the task, and the API process holding the agent's connection pushes it.
// A nil error means the announcement went out, not that an agent is connected.
type Relay struct {
	announcer TaskAnnouncer
}

func NewRelay(announcer TaskAnnouncer) *Relay {
	return &Relay{announcer: announcer}
}

func (r *Relay) Push(ctx context.Context, mac string, task *models.Task) error {
	if err := r.announcer.PublishTask(ctx, task.ID, mac); err != nil {
		return fmt.Errorf("announce task for live push: %w", err)
	}
	return nil
}
