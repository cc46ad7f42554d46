package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

const taskColumns = `id, agent_mac, job_id, type, command, status, result, created_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.AgentMAC, &t.JobID, &t.Type, &t.Command, &t.Status, &t.Result,
		&t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a task. An empty status is stored as pending.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, agent_mac, job_id, type, command, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING created_at`,
		task.ID, task.AgentMAC, task.JobID, task.Type, nullJSON(task.Command), task.Status,
	).Scan(&task.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListPendingTasks returns an agent's pending tasks, oldest first.
func (s *PostgresStore) ListPendingTasks(ctx context.Context, mac string) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_mac = $1 AND status = 'pending' ORDER BY created_at ASC, id`, mac)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReportTask records an agent's own report for one of its tasks. This is the only
// writer of task status; terminal tasks reject further reports.
func (s *PostgresStore) ReportTask(ctx context.Context, id uuid.UUID, mac, status string, result json.RawMessage) (*models.Task, error) {
	switch status {
	case models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: tasks cannot be reported as %q", ErrInvalidTransition, status)
	}

	t, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $3::text,
		   result = COALESCE($4, result),
		   completed_at = CASE WHEN $3::text IN ('completed', 'failed') THEN NOW() ELSE NULL END
		 WHERE id = $1 AND agent_mac = $2 AND status IN ('pending', 'running')
		 RETURNING `+taskColumns,
		id, mac, status, nullJSON(result)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report task: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM tasks WHERE id = $1 AND agent_mac = $2`, id, mac).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}
