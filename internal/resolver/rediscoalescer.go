package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tibellium/vidcdm/internal/channels"
)

// Coalescer implements the try_mark_resolving contract: at most one caller
// per key wins the right to perform the expensive resolution work, and
// every other caller can wait for that winner's outcome. The registry
// itself satisfies this contract in-process; RedisCoalescer extends it
// across multiple proxy instances sharing one Redis.
type Coalescer interface {
	TryMarkResolving(ctx context.Context, id channels.ChannelID) (bool, error)
	MarkResolved(ctx context.Context, id channels.ChannelID) error
	MarkFailed(ctx context.Context, id channels.ChannelID) error
	Wait(ctx context.Context, id channels.ChannelID, timeout time.Duration) (resolved bool, err error)
}

// RedisCoalescer is a Redis-backed Coalescer: the winning instance holds a
// short-lived lock key, and every instance (winner included) publishes and
// subscribes to a per-channel notification topic to wake waiters promptly
// instead of relying purely on poll intervals.
type RedisCoalescer struct {
	client   *redis.Client
	prefix   string
	lockTTL  time.Duration
	pollEvery time.Duration
}

// NewRedisCoalescer returns a Coalescer backed by client. lockTTL bounds how
// long a crashed winner can block other instances before its lock expires.
func NewRedisCoalescer(client *redis.Client, prefix string, lockTTL time.Duration) *RedisCoalescer {
	if prefix == "" {
		prefix = "vidcdm:resolve"
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &RedisCoalescer{client: client, prefix: prefix, lockTTL: lockTTL, pollEvery: 250 * time.Millisecond}
}

func (c *RedisCoalescer) lockKey(id channels.ChannelID) string {
	return fmt.Sprintf("%s:lock:%s", c.prefix, id.String())
}

func (c *RedisCoalescer) topic(id channels.ChannelID) string {
	return fmt.Sprintf("%s:notify:%s", c.prefix, id.String())
}

// TryMarkResolving attempts to take the distributed lock for id.
func (c *RedisCoalescer) TryMarkResolving(ctx context.Context, id channels.ChannelID) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.lockKey(id), "1", c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("resolver: redis coalescer: %w", err)
	}
	return ok, nil
}

// MarkResolved releases the lock and publishes a "resolved" notification.
func (c *RedisCoalescer) MarkResolved(ctx context.Context, id channels.ChannelID) error {
	return c.finish(ctx, id, "resolved")
}

// MarkFailed releases the lock and publishes a "failed" notification.
func (c *RedisCoalescer) MarkFailed(ctx context.Context, id channels.ChannelID) error {
	return c.finish(ctx, id, "failed")
}

func (c *RedisCoalescer) finish(ctx context.Context, id channels.ChannelID, outcome string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.lockKey(id))
	pipe.Publish(ctx, c.topic(id), outcome)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resolver: redis coalescer: %w", err)
	}
	return nil
}

// Wait blocks until a "resolved"/"failed" notification arrives for id, the
// lock disappears (covers a publish missed due to a subscribe race), or
// timeout elapses.
func (c *RedisCoalescer) Wait(ctx context.Context, id channels.ChannelID, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := c.client.Subscribe(waitCtx, c.topic(id))
	defer sub.Close()

	msgs := sub.Channel()
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return false, nil
			}
			return msg.Payload == "resolved", nil
		case <-ticker.C:
			exists, err := c.client.Exists(waitCtx, c.lockKey(id)).Result()
			if err != nil && !errors.Is(err, context.Canceled) {
				return false, fmt.Errorf("resolver: redis coalescer: %w", err)
			}
			if exists == 0 {
				// Lock gone with no message observed: treat as a missed
				// publish and stop waiting rather than blocking to timeout.
				return false, nil
			}
		case <-waitCtx.Done():
			return false, nil
		}
	}
}

var _ Coalescer = (*RedisCoalescer)(nil)
