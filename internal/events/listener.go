package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Source re-reads the rows a notification points at.
type Source interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobLog(ctx context.Context, id int64) (*models.JobLog, error)
}

// TaskSource re-reads a task announced for live push.
type TaskSource interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// TaskPusher writes a task to an agent's live connection in this process.
type TaskPusher interface {
	Push(ctx context.Context, mac string, task *models.Task) error
}

// Listener holds one dedicated connection LISTENing on the job channels and relays
// each notification, with the current row, to the local fan-out. With a task relay
// it also pushes announced agent tasks to local live connections.
type Listener struct {
	connString string
	source     Source
	fanout     Fanout
	tasks      TaskSource
	pusher     TaskPusher
	onCreated  func(uuid.UUID)
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

type ListenerOption func(*Listener)

// WithJobCreatedHook runs fn for every "created" job event, e.g. to wake a worker.
func WithJobCreatedHook(fn func(uuid.UUID)) ListenerOption {
	return func(l *Listener) {
		l.onCreated = fn
	}
}

// WithTaskRelay makes the listener push tasks announced on ChannelAgentTasks
// that are still pending.
func WithTaskRelay(tasks TaskSource, pusher TaskPusher) ListenerOption {
	return func(l *Listener) {
		l.tasks = tasks
		l.pusher = pusher
	}
}

// WithReconnectBackoff bounds the delay between reconnect attempts.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) ListenerOption {
	return func(l *Listener) {
		l.minBackoff = minDelay
		l.maxBackoff = maxDelay
	}
}

func NewListener(connString string, source Source, fanout Fanout, opts ...ListenerOption) *Listener {
	l := &Listener{
		connString: connString,
		source:     source,
		fanout:     fanout,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		logger:     slog.Default().With("component", "listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops. It only returns nil.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.Warn("listener disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	channels := []string{ChannelJobs, ChannelJobLogs}
	if l.pusher != nil {
		channels = append(channels, ChannelAgentTasks)
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return false, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info("listening for job notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.dispatch(ctx, n)
	}
}

func (l *Listener) dispatch(ctx context.Context, n *pgconn.Notification) {
	switch n.Channel {
	case ChannelJobs:
		var msg JobNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			l.logger.Warn("malformed job notification", "payload", n.Payload, "error", err)
			return
		}
		job, err := l.source.GetJob(ctx, msg.ID)
		if err != nil {
			l.logger.Debug("job vanished before relay", "job_id", msg.ID, "error", err)
			return
		}
		l.fanout.Publish(TopicJobs, Event{Name: msg.Event, Data: job})
		if msg.Event == JobCreated && l.onCreated != nil {
			l.onCreated(msg.ID)
		}

	case ChannelJobLogs:
		var msg LogNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			l.logger.Warn("malformed log notification", "payload", n.Payload, "error", err)
			return
		}
		entry, err := l.source.GetJobLog(ctx, msg.LogID)
		if err != nil {
			l.logger.Debug("job log vanished before relay", "log_id", msg.LogID, "error", err)
			return
		}
		l.fanout.Publish(LogTopic(msg.JobID), Event{Name: EventLog, Data: entry})

	case ChannelAgentTasks:
		var msg TaskNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			l.logger.Warn("malformed task notification", "payload", n.Payload, "error", err)
			return
		}
		l.relayTask(ctx, msg)
	}
}

func (l *Listener) relayTask(ctx context.Context, msg TaskNotification) {
	if l.pusher == nil {
		return
	}
	task, err := l.tasks.GetTask(ctx, msg.ID)
	if err != nil {
		l.logger.Debug("task vanished before relay", "task_id", msg.ID, "error", err)
		return
	}
	if task.Status != models.TaskStatusPending {
		return
	}
	if err := l.pusher.Push(ctx, task.AgentMAC, task); err != nil {
		l.logger.Debug("relayed task not pushed", "task_id", task.ID, "mac", task.AgentMAC, "error", err)
		return
	}
	l.logger.Info("relayed task pushed", "task_id", task.ID, "mac", task.AgentMAC)
}
