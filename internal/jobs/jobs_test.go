package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/bootfleet/internal/config"
	"github.com/kiranshivaraju/bootfleet/internal/jobs"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Backoff ---

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	b := jobs.Backoff{Base: 5 * time.Second, Max: 5 * time.Minute}

	assert.Equal(t, 5*time.Second, b.Delay(1))
	assert.Equal(t, 10*time.Second, b.Delay(2))
	assert.Equal(t, 20*time.Second, b.Delay(3))

	prev := time.Duration(0)
	for attempts := 0; attempts <= 200; attempts++ {
		d := b.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, b.Max, "attempts=%d", attempts)
		prev = d
	}
	assert.Equal(t, b.Max, b.Delay(200))
}

func TestBackoff_HugeMaxDoesNotOverflow(t *testing.T) {
	b := jobs.Backoff{Base: time.Second, Max: time.Duration(1<<63 - 1)}
	prev := time.Duration(0)
	for attempts := 1; attempts < 100; attempts++ {
		d := b.Delay(attempts)
		require.Positive(t, d)
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

// --- Error kinds ---

func TestKindOf(t *testing.T) {
	base := errors.New("image already exists")

	assert.Equal(t, jobs.KindRetryable, jobs.KindOf(base))
	assert.Equal(t, jobs.KindTerminal, jobs.KindOf(jobs.Terminal(base)))
	assert.Equal(t, jobs.KindTerminal, jobs.KindOf(fmt.Errorf("import: %w", jobs.Terminal(base))))
	assert.Equal(t, jobs.KindRetryable, jobs.KindOf(jobs.Retryable(base)))
	assert.Equal(t, jobs.KindTerminal, jobs.KindOf(fmt.Errorf("%w: x", jobs.ErrUnhandledType)))

	assert.ErrorIs(t, jobs.Terminal(base), base)
	assert.Nil(t, jobs.Terminal(nil))
	assert.Nil(t, jobs.Retryable(nil))
	assert.Equal(t, "terminal", jobs.KindTerminal.String())
}

// --- Registry ---

func TestRegistry_RegisterAndDispatch(t *testing.T) {
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("menus.render", func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"rendered":true}`), nil
	}))

	assert.Equal(t, []string{"menus.render"}, r.Types())

	res, err := r.Execute(context.Background(), &models.Job{Type: "menus.render"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rendered":true}`, string(res))
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := jobs.NewRegistry()
	h := jobs.HandlerFunc("a", func(context.Context, *models.Job) (json.RawMessage, error) { return nil, nil })
	r.Register(h)
	assert.Panics(t, func() { r.Register(h) })
}

func TestRegistry_UnhandledTypeIsTerminal(t *testing.T) {
	r := jobs.NewRegistry()
	_, err := r.Execute(context.Background(), &models.Job{Type: "nope"})
	assert.ErrorIs(t, err, jobs.ErrUnhandledType)
	assert.Equal(t, jobs.KindTerminal, jobs.KindOf(err))
}

func TestRegistry_PanicIsTerminal(t *testing.T) {
	r := jobs.NewRegistry()
	r.Register(jobs.HandlerFunc("boom", func(context.Context, *models.Job) (json.RawMessage, error) {
		panic("nil map")
	}))
	res, err := r.Execute(context.Background(), &models.Job{Type: "boom"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, jobs.KindTerminal, jobs.KindOf(err))
	assert.Contains(t, err.Error(), "nil map")
}

// --- Service ---

type recordingCreator struct {
	created []*models.Job
	err     error
}

func (c *recordingCreator) CreateJob(_ context.Context, job *models.Job) error {
	if c.err != nil {
		return c.err
	}
	c.created = append(c.created, job)
	return nil
}

func jobsConfig() config.JobsConfig {
	return config.JobsConfig{
		DefaultMaxAttempts: 3,
		ConcurrencyLimit:   1,
		CategoryLimits:     map[string]int{"clients": 8},
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      time.Minute,
	}
}

func ptr[T any](v T) *T { return &v }

func TestService_EnqueueDefaults(t *testing.T) {
	c := &recordingCreator{}
	svc := jobs.NewService(c, jobsConfig())

	job, err := svc.Enqueue(context.Background(), jobs.EnqueueInput{
		Type:     "images.import",
		Category: "images",
		Payload:  json.RawMessage(`{"url":"http://mirror/ubuntu.iso"}`),
	})
	require.NoError(t, err)
	require.Len(t, c.created, 1)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, models.JobSourceSystem, job.Source)
	assert.Equal(t, 3, job.MaxAttempts)
	require.NotNil(t, job.ConcurrencyKey)
	assert.Equal(t, "images", *job.ConcurrencyKey)
	assert.Equal(t, 1, *job.ConcurrencyLimit)
}

func TestService_EnqueuePerTypeAndOverrides(t *testing.T) {
	c := &recordingCreator{}
	svc := jobs.NewService(c, jobsConfig())
	ctx := context.Background()

	reboot, err := svc.Enqueue(ctx, jobs.EnqueueInput{Type: jobs.TypeClientReboot, Category: "clients"})
	require.NoError(t, err)
	assert.Equal(t, 5, reboot.MaxAttempts)
	assert.Equal(t, 8, *reboot.ConcurrencyLimit)

	unknown, err := svc.Enqueue(ctx, jobs.EnqueueInput{Type: "custom.thing"})
	require.NoError(t, err)
	assert.Equal(t, 3, unknown.MaxAttempts)
	assert.Nil(t, unknown.ConcurrencyKey, "no category and no key means unlimited")

	explicit, err := svc.Enqueue(ctx, jobs.EnqueueInput{
		Type: "images.import", Category: "images",
		MaxAttempts: ptr(7), ConcurrencyKey: ptr("mirror-a"), ConcurrencyLimit: ptr(2),
		Source: models.JobSourceUser,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, explicit.MaxAttempts)
	assert.Equal(t, "mirror-a", *explicit.ConcurrencyKey)
	assert.Equal(t, 2, *explicit.ConcurrencyLimit)

	svc.SetMaxAttempts("custom.thing", 9)
	custom, err := svc.Enqueue(ctx, jobs.EnqueueInput{Type: "custom.thing"})
	require.NoError(t, err)
	assert.Equal(t, 9, custom.MaxAttempts)
}

func TestService_EnqueueValidation(t *testing.T) {
	svc := jobs.NewService(&recordingCreator{}, jobsConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		in   jobs.EnqueueInput
	}{
		{"missing type", jobs.EnqueueInput{}},
		{"bad source", jobs.EnqueueInput{Type: "a", Source: "cron"}},
		{"bad payload", jobs.EnqueueInput{Type: "a", Payload: json.RawMessage(`{`)}},
		{"zero attempts", jobs.EnqueueInput{Type: "a", MaxAttempts: ptr(0)}},
		{"zero limit", jobs.EnqueueInput{Type: "a", Category: "x", ConcurrencyLimit: ptr(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tt.in)
			assert.ErrorIs(t, err, jobs.ErrInvalidJob)
		})
	}
}

func TestService_Record(t *testing.T) {
	c := &recordingCreator{}
	svc := jobs.NewService(c, jobsConfig())
	ctx := context.Background()

	ok, err := svc.Record(ctx, jobs.RecordInput{
		Type: "menus.render", Category: "menus", Result: json.RawMessage(`{"bytes":512}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, ok.Status)
	assert.Equal(t, 1, ok.Attempts)
	assert.NotNil(t, ok.CompletedAt)
	assert.Nil(t, ok.ConcurrencyKey)

	failed, err := svc.Record(ctx, jobs.RecordInput{
		Type: "menus.render", Error: ptr("template missing"), Result: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, "template missing", *failed.Error)
	assert.Nil(t, failed.Result)
	assert.LessOrEqual(t, failed.Attempts, failed.MaxAttempts)
}

func TestService_StoreErrorWrapped(t *testing.T) {
	storeErr := errors.New("connection refused")
	svc := jobs.NewService(&recordingCreator{err: storeErr}, jobsConfig())

	_, err := svc.Enqueue(context.Background(), jobs.EnqueueInput{Type: "a"})
	assert.ErrorIs(t, err, storeErr)
}
