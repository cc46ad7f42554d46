package agentstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Delivery is one task read from the stream. Attempt counts deliveries of this
// entry, starting at 1.
type Delivery struct {
	ID      string
	Task    *models.Task
	Attempt int64
}

type ConsumerOptions struct {
	// Name identifies this reader inside the group; defaults to the MAC.
	Name string
	// MaxDeliver bounds redelivery. An entry delivered more often is acked and dropped.
	MaxDeliver int64
	// MinIdle is how long an entry may sit unacked before it is reclaimed.
	MinIdle time.Duration
	// Block is how long a read waits for new entries.
	Block time.Duration
	Count int64
	// OnDrop is called for every entry dropped after MaxDeliver deliveries.
	OnDrop func(id string, task *models.Task)
}

// Consumer reads one agent's stream with at-least-once semantics: entries stay
// pending until acked and are redelivered after MinIdle, at most MaxDeliver times.
type Consumer struct {
	client *redis.Client
	stream string
	opts   ConsumerOptions
	logger *slog.Logger
}

func NewConsumer(client *redis.Client, mac string, opts ConsumerOptions) *Consumer {
	if opts.Name == "" {
		opts.Name = mac
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 30 * time.Second
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}
	return &Consumer{
		client: client,
		stream: StreamKey(mac),
		opts:   opts,
		logger: slog.Default().With("component", "agentstream", "mac", mac),
	}
}

// EnsureGroup creates the stream and its consumer group if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Fetch returns reclaimed idle entries first, then new ones. It blocks up to
// Block when there is nothing to reclaim.
func (c *Consumer) Fetch(ctx context.Context) ([]Delivery, error) {
	reclaimed, err := c.reclaim(ctx)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: c.opts.Name,
		Streams:  []string{c.stream, ">"},
		Count:    c.opts.Count,
		Block:    c.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			if d, ok := c.decode(ctx, msg, 1); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (c *Consumer) reclaim(ctx context.Context) ([]Delivery, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    Group,
		Consumer: c.opts.Name,
		MinIdle:  c.opts.MinIdle,
		Start:    "0-0",
		Count:    c.opts.Count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim pending: %w", err)
	}

	var out []Delivery
	for _, msg := range msgs {
		attempt, err := c.deliveryCount(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		if attempt > c.opts.MaxDeliver {
			c.drop(ctx, msg, attempt)
			continue
		}
		if d, ok := c.decode(ctx, msg, attempt); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *Consumer) deliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("inspect pending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (c *Consumer) drop(ctx context.Context, msg redis.XMessage, attempt int64) {
	task, _ := Decode(msg.Values)
	if err := c.Ack(ctx, msg.ID); err != nil {
		c.logger.Warn("ack dropped entry failed", "id", msg.ID, "error", err)
		return
	}
	c.logger.Warn("dropping entry after max deliveries", "id", msg.ID, "deliveries", attempt)
	if c.opts.OnDrop != nil {
		c.opts.OnDrop(msg.ID, task)
	}
}

// decode acks and skips entries that cannot be decoded; they would never succeed.
func (c *Consumer) decode(ctx context.Context, msg redis.XMessage, attempt int64) (Delivery, bool) {
	task, err := Decode(msg.Values)
	if err != nil {
		c.logger.Warn("skipping malformed entry", "id", msg.ID, "error", err)
		_ = c.Ack(ctx, msg.ID)
		return Delivery{}, false
	}
	return Delivery{ID: msg.ID, Task: task, Attempt: attempt}, true
}

func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if err := c.client.XAck(ctx, c.stream, Group, ids...).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Run feeds every delivery to handle until ctx is cancelled. Entries handled
// without error are acked; failed ones stay pending and come back after MinIdle.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, *models.Task) error) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		batch, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("fetch failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range batch {
			if err := handle(ctx, d.Task); err != nil {
				c.logger.Warn("task handler failed", "task_id", d.Task.ID, "attempt", d.Attempt, "error", err)
				continue
			}
			if err := c.Ack(ctx, d.ID); err != nil {
				c.logger.Warn("ack failed", "id", d.ID, "error", err)
			}
		}
	}
	return nil
}
