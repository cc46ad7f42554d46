package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/bootfleet/internal/events"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool   *pgxpool.Pool
	events events.Publisher
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore. Job and log writes are announced
// on the database notification channels through the same pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		events: events.NewPGPublisher(pool),
		logger: slog.Default().With("component", "store"),
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, type, category, status, priority, payload, result, error, message, source,
	created_by, target_type, target_id, attempts, max_attempts, concurrency_key, concurrency_limit,
	next_run_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Type, &j.Category, &j.Status, &j.Priority, &j.Payload, &j.Result,
		&j.Error, &j.Message, &j.Source, &j.CreatedBy, &j.TargetType, &j.TargetID,
		&j.Attempts, &j.MaxAttempts, &j.ConcurrencyKey, &j.ConcurrencyLimit,
		&j.NextRunAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts job as given. Timestamps are assigned by the database and
// written back onto job; a zero NextRunAt means "now".
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, type, category, status, priority, payload, result, error, message, source,
		   created_by, target_type, target_id, attempts, max_attempts, concurrency_key, concurrency_limit,
		   next_run_at, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		   COALESCE($18, NOW()), $19, $20, NOW(), NOW())
		 RETURNING next_run_at, created_at, updated_at`,
		job.ID, job.Type, job.Category, job.Status, job.Priority, nullJSON(job.Payload), nullJSON(job.Result),
		job.Error, job.Message, job.Source, job.CreatedBy, job.TargetType, job.TargetID,
		job.Attempts, job.MaxAttempts, job.ConcurrencyKey, job.ConcurrencyLimit,
		nullTime(job.NextRunAt), job.StartedAt, job.CompletedAt,
	).Scan(&job.NextRunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	s.publishJob(ctx, job.ID, events.JobCreated)
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// buildJobWhere turns a filter into a WHERE clause and its positional args.
func buildJobWhere(filter JobFilter) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, filter.Category)
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		conditions = append(conditions, fmt.Sprintf(
			`(type ILIKE $%[1]d OR category ILIKE $%[1]d OR COALESCE(message, '') ILIKE $%[1]d
			  OR COALESCE(error, '') ILIKE $%[1]d OR COALESCE(target_id, '') ILIKE $%[1]d)`, argIdx))
		args = append(args, "%"+escapeLike(q)+"%")
	}

	return strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := buildJobWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultJobListLimit
	}
	if limit > MaxJobListLimit {
		limit = MaxJobListLimit
	}

	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobs returns how many jobs match filter, ignoring its limit and offset.
func (s *PostgresStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := buildJobWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, patch JobPatch) (*models.Job, error) {
	if patch.empty() {
		return s.GetJob(ctx, id)
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Message != nil {
		add("message", *patch.Message)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.Payload != nil {
		add("payload", nullJSON(patch.Payload))
	}
	where := "id = $1"
	if patch.MaxAttempts != nil {
		add("max_attempts", *patch.MaxAttempts)
		// A queued job's next claim spends one more attempt.
		where += fmt.Sprintf(` AND $%d >= attempts + CASE WHEN status = 'queued' THEN 1 ELSE 0 END`, len(args))
	}
	if patch.NextRunAt != nil {
		add("next_run_at", *patch.NextRunAt)
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE %s RETURNING %s`, strings.Join(sets, ", "), where, jobColumns),
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if patch.MaxAttempts == nil {
			return nil, ErrNotFound
		}
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrAttemptsExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	s.publishJob(ctx, id, events.JobUpdated)
	return j, nil
}

var validTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusQueued},
}

// sourcesFor lists the statuses from which a job may move to status.
func sourcesFor(status string) []string {
	var from []string
	for src, targets := range validTransitions {
		for _, t := range targets {
			if t == status {
				from = append(from, src)
			}
		}
	}
	return from
}

// UpdateJobStatus moves a job to status. The transition check and the write are one
// statement, so a concurrent writer cannot slip a second transition in between.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ResolveJobUpdateOptions(opts...)

	from := sourcesFor(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: no transition leads to %q", ErrInvalidTransition, status)
	}

	query := `UPDATE jobs SET status = $2, updated_at = NOW()`
	args := []any{id, status, from}
	argIdx := 4

	switch status {
	case models.JobStatusRunning:
		query += ", attempts = attempts + 1, started_at = COALESCE(started_at, NOW())"
	case models.JobStatusCompleted:
		query += ", completed_at = NOW()"
		if params.Error == nil {
			query += ", error = NULL"
		}
	case models.JobStatusFailed:
		query += ", completed_at = NOW()"
	}
	if params.Error != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.Error)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, nullJSON(params.Result))
		argIdx++
	}
	if params.Message != nil {
		query += fmt.Sprintf(", message = $%d", argIdx)
		args = append(args, *params.Message)
		argIdx++
	}
	if params.NextRunAt != nil {
		query += fmt.Sprintf(", next_run_at = $%d", argIdx)
		args = append(args, *params.NextRunAt)
	}

	query += " WHERE id = $1 AND status = ANY($3)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	s.publishJob(ctx, id, events.JobEventForStatus(status))
	return nil
}

// --- Job Logs ---

func (s *PostgresStore) AppendJobLog(ctx context.Context, jobID uuid.UUID, level, message string) (*models.JobLog, error) {
	l := &models.JobLog{JobID: jobID, Level: level, Message: message}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO job_logs (job_id, level, message) VALUES ($1, $2, $3) RETURNING id, created_at`,
		jobID, level, message,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("append job log: %w", err)
	}

	if err := s.events.PublishLog(ctx, jobID, l.ID); err != nil {
		s.logger.Warn("publish log event failed", "job_id", jobID, "log_id", l.ID, "error", err)
	}
	return l, nil
}

func (s *PostgresStore) GetJobLog(ctx context.Context, id int64) (*models.JobLog, error) {
	var l models.JobLog
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, level, message, created_at FROM job_logs WHERE id = $1`, id,
	).Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job log: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.JobLog, error) {
	if limit <= 0 {
		limit = DefaultLogListLimit
	}
	if limit > MaxLogListLimit {
		limit = MaxLogListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, level, message, created_at FROM job_logs
		 WHERE job_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.JobLog{}
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// publishJob announces a job change. A lost notification only delays dashboards,
// so failures are logged and swallowed.
func (s *PostgresStore) publishJob(ctx context.Context, id uuid.UUID, event string) {
	if err := s.events.PublishJob(ctx, id, event); err != nil {
		s.logger.Warn("publish job event failed", "job_id", id, "event", event, "error", err)
	}
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
