// Package agentstream is the durable per-agent task stream shared by the server,
// which appends tasks, and agents, which consume them through a consumer group.
package agentstream

import (
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Group is the consumer group every agent reads its own stream through.
const Group = "agent"

// StreamKey is the Redis stream holding tasks for one agent.
func StreamKey(mac string) string {
	return fmt.Sprintf("bootfleet:agent:%s:tasks", mac)
}

const (
	fieldTaskID = "task_id"
	fieldType   = "type"
	fieldTask   = "task"
)

// Encode renders a task as stream entry fields.
func Encode(task *models.Task) (map[string]any, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return map[string]any{
		fieldTaskID: task.ID.String(),
		fieldType:   task.Type,
		fieldTask:   string(b),
	}, nil
}

// Decode reverses Encode.
func Decode(values map[string]any) (*models.Task, error) {
	raw, ok := values[fieldTask].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry has no %q field", fieldTask)
	}
	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}
