// Package liveness stamps agent heartbeats and reaps agents that went silent.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

type Store interface {
	TouchAgent(ctx context.Context, mac string) error
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteStaleAgent(ctx context.Context, mac string, cutoff time.Time) (bool, error)
}

// Disconnecter tears down an agent's live connection.
type Disconnecter interface {
	Disconnect(mac string)
}

// Tracker records heartbeats.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Touch normalizes mac and stamps its last_seen.
func (t *Tracker) Touch(ctx context.Context, mac string) error {
	norm, err := models.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := t.store.TouchAgent(ctx, norm); err != nil {
		return fmt.Errorf("touch agent %s: %w", norm, err)
	}
	return nil
}

// Sweeper removes agents whose last heartbeat is older than timeout, closing
// their live connection first.
type Sweeper struct {
	store    Store
	conns    Disconnecter
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. conns may be nil when the process holds no live
// connections.
func NewSweeper(store Store, conns Disconnecter, timeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		conns:    conns,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default().With("component", "sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "timeout", s.timeout, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep and returns the MACs it removed. An agent that
// heartbeats between listing and deletion survives.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.timeout)
	stale, err := s.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, mac := range stale {
		if s.conns != nil {
			s.conns.Disconnect(mac)
		}
		ok, err := s.store.DeleteStaleAgent(ctx, mac, cutoff)
		if err != nil {
			s.logger.Warn("remove stale agent failed", "mac", mac, "error", err)
			continue
		}
		if ok {
			removed = append(removed, mac)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("stale agents removed", "count", len(removed), "macs", removed)
	}
	return removed, nil
}
