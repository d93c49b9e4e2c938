package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLock_SingleHolder(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)

	first := NewLock(rdb, "codecast:reap:room-1", time.Minute)
	second := NewLock(rdb, "codecast:reap:room-1", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := first.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	assert.ErrorIs(t, second.Unlock(ctx), ErrNotHeld)
	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_Expires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)

	first := NewLock(rdb, "lease", 5*time.Second)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	second := NewLock(rdb, "lease", 5*time.Second)
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// the expired holder must not release the new lease
	assert.ErrorIs(t, first.Unlock(ctx), ErrNotHeld)
	held, err := second.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLock_RedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()

	_, err := NewLock(rdb, "lease", time.Second).TryLock(context.Background())
	assert.Error(t, err)
}
