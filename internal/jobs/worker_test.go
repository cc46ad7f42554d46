package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/jobs"
	"github.com/kiranshivaraju/bootfleet/internal/store"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory jobs.Store. It applies the same bookkeeping the
// Postgres claim does (attempts, status) so outcomes can be asserted.
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	order    []uuid.UUID
	logs     map[uuid.UUID][]*models.JobLog
	claimErr error
	claims   int
	// updateErrs are returned, in order, by the next UpdateJobStatus calls.
	updateErrs []error
	updates    int
}

func newMemStore(js ...*models.Job) *memStore {
	s := &memStore{jobs: map[uuid.UUID]*models.Job{}, logs: map[uuid.UUID][]*models.JobLog{}}
	for _, j := range js {
		s.add(j)
	}
	return s
}

func (s *memStore) add(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
}

func (s *memStore) ClaimNext(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	now := time.Now()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status == models.JobStatusQueued && !j.NextRunAt.After(now) {
			j.Status = models.JobStatusRunning
			j.Attempts++
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return store.ErrInvalidTransition
	}

	params := store.ResolveJobUpdateOptions(opts...)
	j.Status = status
	if params.Error != nil {
		j.Error = params.Error
	}
	if params.Result != nil {
		j.Result = params.Result
	}
	if params.NextRunAt != nil {
		j.NextRunAt = *params.NextRunAt
	}
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		now := time.Now()
		j.CompletedAt = &now
	}
	return nil
}

func (s *memStore) AppendJobLog(_ context.Context, jobID uuid.UUID, level, message string) (*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &models.JobLog{ID: int64(len(s.logs[jobID]) + 1), JobID: jobID, Level: level, Message: message}
	s.logs[jobID] = append(s.logs[jobID], l)
	return l, nil
}

func (s *memStore) get(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) jobLogs(id uuid.UUID) []*models.JobLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.JobLog(nil), s.logs[id]...)
}

func queued(jobType string, maxAttempts int) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		Type:        jobType,
		Status:      models.JobStatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   time.Now().Add(-time.Second),
	}
}

func runPool(t *testing.T, p *jobs.Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func poolConfig() jobs.PoolConfig {
	return jobs.PoolConfig{
		Concurrency:     2,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Backoff:         jobs.Backoff{Base: time.Hour, Max: 4 * time.Hour},
		WriteBack:       jobs.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func waitStatus(t *testing.T, s *memStore, id uuid.UUID, status string) models.Job {
	t.Helper()
	var j models.Job
	require.Eventually(t, func() bool {
		j = s.get(id)
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return j
}

func TestPool_SuccessCompletesJob(t *testing.T) {
	job := queued("menus.render", 3)
	s := newMemStore(job)
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("menus.render", func(context.Context, *models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	stop := runPool(t, jobs.NewPool(s, r, poolConfig()))
	defer stop()

	got := waitStatus(t, s, job.ID, models.JobStatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 1, got.Attempts)

	require.Eventually(t, func() bool { return len(s.jobLogs(job.ID)) == 2 }, time.Second, 5*time.Millisecond)
	logs := s.jobLogs(job.ID)
	assert.Contains(t, logs[0].Message, "started")
	assert.Contains(t, logs[1].Message, "completed")
}

func TestPool_TerminalErrorFailsOnFirstAttempt(t *testing.T) {
	job := queued("images.import", 5)
	s := newMemStore(job)
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("images.import", func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, jobs.Terminal(errors.New("image already exists"))
	}))

	stop := runPool(t, jobs.NewPool(s, r, poolConfig()))
	defer stop()

	got := waitStatus(t, s, job.ID, models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "image already exists", *got.Error)
	require.Eventually(t, func() bool { return len(s.jobLogs(job.ID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.LogLevelError, s.jobLogs(job.ID)[1].Level)
}

func TestPool_RetryableErrorRequeuesWithBackoff(t *testing.T) {
	job := queued("mirrors.discover", 3)
	s := newMemStore(job)
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("mirrors.discover", func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, errors.New("connection reset by peer")
	}))

	before := time.Now()
	stop := runPool(t, jobs.NewPool(s, r, poolConfig()))
	defer stop()

	// the second log line is written after the requeue
	require.Eventually(t, func() bool {
		return len(s.jobLogs(job.ID)) == 2 && s.get(job.ID).Error != nil
	}, 5*time.Second, 5*time.Millisecond)
	got := s.get(job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset by peer", *got.Error)
	assert.True(t, got.NextRunAt.After(before.Add(59*time.Minute)), "next run should be one base delay out")
	assert.Equal(t, models.LogLevelWarning, s.jobLogs(job.ID)[1].Level)
}

func TestPool_RetryBudgetExhaustedFails(t *testing.T) {
	job := queued("mirrors.discover", 2)
	s := newMemStore(job)

	var calls atomic.Int32
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("mirrors.discover", func(context.Context, *models.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("timeout")
	}))

	cfg := poolConfig()
	cfg.Backoff = jobs.Backoff{Base: time.Millisecond, Max: time.Millisecond}
	stop := runPool(t, jobs.NewPool(s, r, cfg))
	defer stop()

	got := waitStatus(t, s, job.ID, models.JobStatusFailed)
	assert.Equal(t, 2, got.Attempts)
	assert.LessOrEqual(t, got.Attempts, got.MaxAttempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPool_UnhandledTypeFails(t *testing.T) {
	job := queued("unknown.type", 5)
	s := newMemStore(job)

	stop := runPool(t, jobs.NewPool(s, jobs.NewRegistry(), poolConfig()))
	defer stop()

	got := waitStatus(t, s, job.ID, models.JobStatusFailed)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, *got.Error, "no handler registered")
}

func TestPool_NeverExceedsConcurrency(t *testing.T) {
	var all []*models.Job
	for i := 0; i < 8; i++ {
		all = append(all, queued("slow", 1))
	}
	s := newMemStore(all...)

	var running, peak atomic.Int32
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("slow", func(context.Context, *models.Job) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))

	cfg := poolConfig()
	cfg.Concurrency = 3
	stop := runPool(t, jobs.NewPool(s, r, cfg))
	defer stop()

	for _, j := range all {
		waitStatus(t, s, j.ID, models.JobStatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load(), "all slots should have been used")
}

func TestPool_WakeClaimsBeforePollInterval(t *testing.T) {
	s := newMemStore()
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("menus.render", func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, nil
	}))

	cfg := poolConfig()
	cfg.PollInterval = time.Hour
	p := jobs.NewPool(s, r, cfg)
	stop := runPool(t, p)
	defer stop()

	// let the loop go idle on its first empty claim
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.claims >= 1
	}, time.Second, time.Millisecond)

	job := queued("menus.render", 1)
	s.add(job)
	p.Wake()

	waitStatus(t, s, job.ID, models.JobStatusCompleted)
}

func TestPool_ClaimErrorsDoNotStopLoop(t *testing.T) {
	s := newMemStore()
	s.claimErr = errors.New("connection refused")

	cfg := poolConfig()
	cfg.PollInterval = time.Millisecond
	stop := runPool(t, jobs.NewPool(s, jobs.NewRegistry(), cfg))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.claims >= 3
	}, 5*time.Second, time.Millisecond)

	job := queued("unknown", 1)
	s.mu.Lock()
	s.claimErr = nil
	s.mu.Unlock()
	s.add(job)

	waitStatus(t, s, job.ID, models.JobStatusFailed)
	stop()
}

func TestPool_ShutdownWaitsForInFlight(t *testing.T) {
	job := queued("slow", 1)
	s := newMemStore(job)
	started := make(chan struct{})
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("slow", func(ctx context.Context, _ *models.Job) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		// handlers are not cancelled by shutdown
		return nil, ctx.Err()
	}))

	stop := runPool(t, jobs.NewPool(s, r, poolConfig()))
	<-started
	stop()

	assert.Equal(t, models.JobStatusCompleted, s.get(job.ID).Status)
}

func TestPool_TransientWriteBackFailureIsRetried(t *testing.T) {
	first := queued("images.import", 3)
	first.ConcurrencyKey = ptr("images")
	s := newMemStore(first)
	reset := errors.New("connection reset")
	s.updateErrs = []error{reset, reset}

	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("images.import", func(context.Context, *models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	stop := runPool(t, jobs.NewPool(s, r, poolConfig()))
	defer stop()

	waitStatus(t, s, first.ID, models.JobStatusCompleted)
	s.mu.Lock()
	assert.Equal(t, 3, s.updates)
	s.mu.Unlock()

	require.Eventually(t, func() bool { return len(s.jobLogs(first.ID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.jobLogs(first.ID)[1].Message, "completed")

	// the freed slot is usable by the next job in the category
	second := queued("images.import", 3)
	second.ConcurrencyKey = ptr("images")
	s.add(second)
	waitStatus(t, s, second.ID, models.JobStatusCompleted)
}

func TestPool_FailedWriteBackLogsNoOutcome(t *testing.T) {
	job := queued("images.import", 3)
	s := newMemStore(job)
	down := errors.New("database is shut down")
	for i := 0; i < 1000; i++ {
		s.updateErrs = append(s.updateErrs, down)
	}

	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("images.import", func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, nil
	}))

	cfg := poolConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	stop := runPool(t, jobs.NewPool(s, r, cfg))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.updates >= 3
	}, 5*time.Second, time.Millisecond)

	start := time.Now()
	stop()
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown must not wait on a store that never recovers")

	assert.Equal(t, models.JobStatusRunning, s.get(job.ID).Status)
	logs := s.jobLogs(job.ID)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "started")
}
