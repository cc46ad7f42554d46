package delivery

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/bootfleet/pkg/agentstream"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisStream is the durable transport: one Redis stream per agent, trimmed to
// roughly maxLen entries. Agents read it through pkg/agentstream.
type RedisStream struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStream creates a RedisStream from a Redis URL.
func NewRedisStream(redisURL string, maxLen int64) (*RedisStream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStream{client: redis.NewClient(opts), maxLen: maxLen}, nil
}

func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

// Client exposes the underlying client, e.g. for an in-process consumer.
func (s *RedisStream) Client() *redis.Client {
	return s.client
}

func (s *RedisStream) Publish(ctx context.Context, task *models.Task) error {
	values, err := agentstream.Encode(task)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: agentstream.StreamKey(task.AgentMAC),
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append to agent stream: %w", err)
	}
	return nil
}
