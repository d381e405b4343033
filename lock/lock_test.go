package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func newRedisLocker(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedisLocker(rdb, time.Minute, nil)
}

func TestRedisLocker_SecondAcquireConflicts(t *testing.T) {
	ctx := context.Background()
	_, l := newRedisLocker(t)

	// GIVEN: the batch key is held
	release, err := l.Acquire(ctx, dues.BatchLockKey)
	require.NoError(t, err)

	// WHEN: a second caller tries to take it
	_, err = l.Acquire(ctx, dues.BatchLockKey)

	// THEN: conflict, recognizable both ways
	require.Error(t, err)
	assert.True(t, dues.IsConflict(err))
	assert.True(t, errors.Is(err, ErrNotObtained))

	// AND: after release it can be taken again
	require.NoError(t, release(ctx))
	release2, err := l.Acquire(ctx, dues.BatchLockKey)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRedisLocker_ExpiredLockReleasesQuietly(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedisLocker(t)

	release, err := l.Acquire(ctx, "dues:test")
	require.NoError(t, err)

	// GIVEN: the TTL passed
	mr.FastForward(2 * time.Minute)

	// THEN: release is not an error and the key is free
	assert.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "dues:test")
	assert.NoError(t, err)
}

func TestRedisLocker_ServerDown(t *testing.T) {
	mr, l := newRedisLocker(t)
	mr.Close()

	_, err := l.Acquire(context.Background(), dues.BatchLockKey)

	require.Error(t, err)
	assert.False(t, dues.IsConflict(err), "connection failures are not conflicts")
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, dues.BatchLockKey)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, dues.BatchLockKey)
	assert.True(t, dues.IsConflict(err))

	// Other keys are independent
	other, err := l.Acquire(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	// Double release is harmless
	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	_, err = l.Acquire(ctx, dues.BatchLockKey)
	assert.NoError(t, err)
}
