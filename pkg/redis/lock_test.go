package redis_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/logging"
	fernredis "github.com/Ramsey-B/fern/pkg/redis"
)

func newClient(t *testing.T) *fernredis.Client {
	t.Helper()
	svc := testinfra.Require(t, testinfra.StartRedis)
	port, err := strconv.Atoi(svc.Port)
	require.NoError(t, err)

	client, err := fernredis.NewClient(context.Background(), fernredis.Config{Host: svc.Host, Port: port}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLocker_WithLock(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	locker := fernredis.NewLocker(client.Redis(), logging.Discard(), "")

	ran := false
	err := locker.WithLock(ctx, "duplicate-scan", time.Minute, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "duplicate-scan", time.Minute, func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, fernredis.ErrLockNotAcquired)
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	err = locker.WithLock(ctx, "duplicate-scan", time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom, "released after the first run")
}

func TestLock_ReleaseAfterExpiry(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	locker := fernredis.NewLocker(client.Redis(), logging.Discard(), "test:")

	lock, err := locker.Acquire(ctx, "short", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	other, err := locker.Acquire(ctx, "short", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, lock.Release(ctx), fernredis.ErrLockNotHeld)
	assert.NoError(t, other.Release(ctx))
}

func TestRedisCache_InvalidateByEntity(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	c := cache.NewRedis(client.Redis(), logging.Discard(), "test:", time.Minute)

	c.Set(ctx, "company|acme|", "e1")
	c.Set(ctx, "company|acme corp|", "e1")
	c.Set(ctx, "company|globex|", "e2")

	id, ok := c.Get(ctx, "company|acme|")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	c.Invalidate(ctx, "e1")
	_, ok = c.Get(ctx, "company|acme|")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "company|acme corp|")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "company|globex|")
	assert.True(t, ok)
}
