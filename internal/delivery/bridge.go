// Package delivery hands agent tasks to remote agents over two independent
// transports, a durable per-agent stream and a live push connection, and serves
// the long-poll fallback for agents neither transport reached.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is returned by a LivePusher when the agent has no live connection.
var ErrNotConnected = errors.New("agent not connected")

// DurablePublisher appends a task to the agent's at-least-once stream.
type DurablePublisher interface {
	Publish(ctx context.Context, task *models.Task) error
}

// LivePusher writes a task straight to the agent's open connection.
type LivePusher interface {
	Push(ctx context.Context, mac string, task *models.Task) error
}

// Bridge composes the two transports. Either may be nil.
type Bridge struct {
	durable DurablePublisher
	live    LivePusher
	logger  *slog.Logger
}

func NewBridge(durable DurablePublisher, live LivePusher) *Bridge {
	return &Bridge{
		durable: durable,
		live:    live,
		logger:  slog.Default().With("component", "delivery"),
	}
}

// Deliver tries both transports concurrently and reports whether at least one
// accepted the task. It never touches task status: a task that reached no
// transport is still pending and will be picked up by polling.
func (b *Bridge) Deliver(ctx context.Context, task *models.Task) bool {
	var (
		g                   errgroup.Group
		durableErr, liveErr error = errNoTransport, errNoTransport
	)

	if b.durable != nil {
		g.Go(func() error {
			durableErr = b.durable.Publish(ctx, task)
			return nil
		})
	}
	if b.live != nil {
		g.Go(func() error {
			liveErr = b.live.Push(ctx, task.AgentMAC, task)
			return nil
		})
	}
	_ = g.Wait()

	log := b.logger.With("task_id", task.ID, "mac", task.AgentMAC, "type", task.Type)
	if durableErr != nil && durableErr != errNoTransport {
		log.Warn("durable publish failed", "error", durableErr)
	}
	if liveErr != nil && liveErr != errNoTransport && !errors.Is(liveErr, ErrNotConnected) {
		log.Warn("live push failed", "error", liveErr)
	}

	delivered := durableErr == nil || liveErr == nil
	if delivered {
		log.Info("task delivered", "durable", durableErr == nil, "live", liveErr == nil)
	} else {
		log.Warn("task not delivered, agent must poll")
	}
	return delivered
}

var errNoTransport = errors.New("transport not configured")
