package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLocker_TryLockExclusive(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewLocker(client, "sweep")
	b := NewLocker(client, "sweep")

	require.NoError(t, a.TryLock(ctx))
	assert.ErrorIs(t, b.TryLock(ctx), ErrLockNotAcquired)
	assert.ErrorIs(t, a.TryLock(ctx), ErrLockNotAcquired, "a locker holds one lock at a time")

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, mr.Exists("sweep"))
	require.NoError(t, b.TryLock(ctx))
	require.NoError(t, b.Unlock(ctx))
}

func TestLocker_TTL(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	l := NewLocker(client, "sweep", WithTTL(time.Minute))
	require.NoError(t, l.TryLock(ctx))
	assert.Equal(t, time.Minute, mr.TTL("sweep"))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, l.Unlock(ctx), ErrUnlockFailed, "expired lock cannot be released")
}

func TestLocker_UnlockDoesNotStealForeignLock(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	l := NewLocker(client, "sweep")
	require.NoError(t, l.TryLock(ctx))
	// lock expired and was taken by another process
	require.NoError(t, mr.Set("sweep", "other-token"))

	assert.ErrorIs(t, l.Unlock(ctx), ErrUnlockFailed)
	v, err := mr.Get("sweep")
	require.NoError(t, err)
	assert.Equal(t, "other-token", v)
}

func TestLocker_UnlockWithoutLock(t *testing.T) {
	_, client := newClient(t)
	assert.ErrorIs(t, NewLocker(client, "sweep").Unlock(context.Background()), ErrUnlockFailed)
	assert.Equal(t, "sweep", NewLocker(client, "sweep").Key())
}
