//go:build integration

package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Minute)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = s.Release(ctx, key) })

	require.NoError(t, s.Ping(ctx))

	e, created, err := s.Begin(ctx, key, "tx_1", "h")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StageStarted, e.Stage)

	require.NoError(t, s.Advance(ctx, key, StageCompleted, Legs{Outgoing: true, Incoming: true}))

	e, created, err = s.Begin(ctx, key, "tx_2", "h")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tx_1", e.TransferID)
	assert.Equal(t, StageCompleted, e.Stage)

	require.NoError(t, s.Release(ctx, key))
	assert.ErrorIs(t, s.Advance(ctx, key, StageCompleted, Legs{}), ErrNotFound)
}
