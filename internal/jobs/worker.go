package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Store is what the worker needs from the job store.
type Store interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
	AppendJobLog(ctx context.Context, jobID uuid.UUID, level, message string) (*models.JobLog, error)
}

// Executor runs a claimed job. *Registry implements it.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

type PoolConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	Backoff         Backoff

	// WriteBack paces retries of a failed status write after a job finishes.
	WriteBack Backoff
}

// Pool runs up to Concurrency jobs at once in this process. Claiming never waits on
// a running handler: the loop sleeps one poll interval at most, and wakes early when
// a slot frees up or Wake is called.
type Pool struct {
	store  Store
	exec   Executor
	cfg    PoolConfig
	wake   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time

	// abandon is closed when shutdown stops waiting for in-flight jobs.
	abandon chan struct{}
}

func NewPool(s Store, exec Executor, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteBack.Base <= 0 {
		cfg.WriteBack = Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second}
	}
	return &Pool{
		store:   s,
		exec:    exec,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		logger:  slog.Default().With("component", "worker"),
		now:     time.Now,
		abandon: make(chan struct{}),
	}
}

// Wake makes an idle loop try to claim immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run claims and executes jobs until ctx is cancelled, then waits up to
// ShutdownTimeout for in-flight jobs. Handlers are never cancelled mid-run.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"concurrency", p.cfg.Concurrency, "poll_interval", p.cfg.PollInterval)

	done := make(chan struct{}, p.cfg.Concurrency)
	inFlight := 0
	errorCount := 0
	const maxErrorDelay = 30 * time.Second

	for {
		wait := p.cfg.PollInterval

		for inFlight < p.cfg.Concurrency && ctx.Err() == nil {
			job, err := p.store.ClaimNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				errorCount++
				wait = min(p.cfg.PollInterval<<min(errorCount-1, 10), maxErrorDelay)
				p.logger.Error("claim failed", "error", err,
					"consecutive_errors", errorCount, "retry_in", wait)
				break
			}
			if errorCount > 0 {
				p.logger.Info("claiming recovered", "previous_error_count", errorCount)
				errorCount = 0
			}
			if job == nil {
				break
			}

			inFlight++
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.execute(ctx, job)
				done <- struct{}{}
			}()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.drain()
		case <-done:
			inFlight--
		case <-p.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *Pool) drain() error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.ShutdownTimeout):
		close(p.abandon)
		p.logger.Warn("worker pool stop timed out, jobs still running",
			"timeout", p.cfg.ShutdownTimeout)
	}
	return nil
}

// execute runs one claimed job and writes its outcome back. Every run leaves a
// start and an end line in the job's log. The end line follows the status write.
func (p *Pool) execute(ctx context.Context, job *models.Job) {
	ctx = context.WithoutCancel(ctx)
	log := p.logger.With("job_id", job.ID, "type", job.Type,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	start := p.now()
	log.Info("job started")
	p.appendLog(ctx, job.ID, models.LogLevelInfo,
		fmt.Sprintf("attempt %d/%d started", job.Attempts, job.MaxAttempts))

	result, err := p.exec.Execute(ctx, job)
	elapsed := p.now().Sub(start)

	if err == nil {
		if uerr := p.writeBack(ctx, job, models.JobStatusCompleted, store.WithResult(result)); uerr != nil {
			log.Error("record completion failed", "error", uerr)
			return
		}
		p.appendLog(ctx, job.ID, models.LogLevelInfo,
			fmt.Sprintf("attempt %d/%d completed in %s", job.Attempts, job.MaxAttempts, elapsed.Round(time.Millisecond)))
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())
		return
	}

	kind := KindOf(err)
	if kind == KindRetryable && job.Attempts < job.MaxAttempts {
		delay := p.cfg.Backoff.Delay(job.Attempts)
		if uerr := p.writeBack(ctx, job, models.JobStatusQueued,
			store.WithError(err.Error()), store.WithNextRunAt(p.now().Add(delay))); uerr != nil {
			log.Error("requeue failed", "error", uerr)
			return
		}
		p.appendLog(ctx, job.ID, models.LogLevelWarning,
			fmt.Sprintf("attempt %d/%d failed: %v; retrying in %s", job.Attempts, job.MaxAttempts, err, delay))
		log.Warn("job failed, retrying", "error", err, "retry_in", delay, "duration_ms", elapsed.Milliseconds())
		return
	}

	if uerr := p.writeBack(ctx, job, models.JobStatusFailed, store.WithError(err.Error())); uerr != nil {
		log.Error("record failure failed", "error", uerr)
		return
	}
	p.appendLog(ctx, job.ID, models.LogLevelError,
		fmt.Sprintf("attempt %d/%d failed (%s): %v", job.Attempts, job.MaxAttempts, kind, err))
	log.Error("job failed", "error", err, "kind", kind.String(), "duration_ms", elapsed.Milliseconds())
}

// writeBack moves a finished job out of running. Store errors are retried with
// capped backoff until the write lands or shutdown stops waiting for the job;
// a row the store no longer considers running is not retried.
func (p *Pool) writeBack(ctx context.Context, job *models.Job, status string, opts ...store.JobUpdateOption) error {
	for attempt := 1; ; attempt++ {
		err := p.store.UpdateJobStatus(ctx, job.ID, status, opts...)
		if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			return err
		}

		delay := p.cfg.WriteBack.Delay(attempt)
		p.logger.Warn("job status write failed, retrying",
			"job_id", job.ID, "status", status, "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-p.abandon:
			timer.Stop()
			return fmt.Errorf("abandoned after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
	}
}

func (p *Pool) appendLog(ctx context.Context, jobID uuid.UUID, level, msg string) {
	if _, err := p.store.AppendJobLog(ctx, jobID, level, msg); err != nil {
		p.logger.Warn("append job log failed", "job_id", jobID, "error", err)
	}
}
