package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
)

func newTestRedisCoalescer(t *testing.T) *RedisCoalescer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCoalescer(client, "test", time.Second)
}

func TestRedisCoalescerOnlyOneWinner(t *testing.T) {
	c := newTestRedisCoalescer(t)
	id := channels.ChannelID{Source: "src", ID: "1"}
	ctx := context.Background()

	first, err := c.TryMarkResolving(ctx, id)
	require.NoError(t, err)
	require.True(t, first)

	second, err := c.TryMarkResolving(ctx, id)
	require.NoError(t, err)
	require.False(t, second, "a second caller must not also win the lock")
}

func TestRedisCoalescerWaitObservesResolved(t *testing.T) {
	c := newTestRedisCoalescer(t)
	id := channels.ChannelID{Source: "src", ID: "2"}
	ctx := context.Background()

	won, err := c.TryMarkResolving(ctx, id)
	require.NoError(t, err)
	require.True(t, won)

	done := make(chan struct{})
	var resolved bool
	go func() {
		resolved, err = c.Wait(ctx, id, 2*time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.MarkResolved(ctx, id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe resolution")
	}
	require.NoError(t, err)
	require.True(t, resolved)
}

func TestRedisCoalescerWaitObservesFailed(t *testing.T) {
	c := newTestRedisCoalescer(t)
	id := channels.ChannelID{Source: "src", ID: "3"}
	ctx := context.Background()

	_, err := c.TryMarkResolving(ctx, id)
	require.NoError(t, err)

	done := make(chan struct{})
	var resolved bool
	go func() {
		resolved, err = c.Wait(ctx, id, 2*time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.MarkFailed(ctx, id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe failure")
	}
	require.NoError(t, err)
	require.False(t, resolved)
}
