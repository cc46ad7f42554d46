package delivery

import (
	"context"
	"time"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

type PendingLister interface {
	ListPendingTasks(ctx context.Context, mac string) ([]*models.Task, error)
}

// Poller answers agent task polls: it returns pending tasks as soon as any exist,
// re-checking every interval, or an empty slice once the timeout elapses.
type Poller struct {
	store    PendingLister
	interval time.Duration
	maxWait  time.Duration
}

func NewPoller(store PendingLister, interval, maxWait time.Duration) *Poller {
	return &Poller{store: store, interval: interval, maxWait: maxWait}
}

// Wait polls for mac's pending tasks. A timeout of zero checks once; timeouts
// above the configured maximum are capped.
func (p *Poller) Wait(ctx context.Context, mac string, timeout time.Duration) ([]*models.Task, error) {
	if timeout > p.maxWait {
		timeout = p.maxWait
	}
	deadline := time.Now().Add(timeout)

	for {
		tasks, err := p.store.ListPendingTasks(ctx, mac)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			return tasks, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []*models.Task{}, nil
		}

		timer := time.NewTimer(min(p.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return []*models.Task{}, nil
		case <-timer.C:
		}
	}
}
