package runlock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLock_SingleFlight(t *testing.T) {
	ctx := context.Background()
	_, client := setup(t)

	first := New(client, "", 0)
	second := New(client, "", 0)
	assert.Equal(t, DefaultKey, first.Key())

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	locked, err := IsLocked(ctx, client, DefaultKey)
	require.NoError(t, err)
	assert.True(t, locked)

	ttl, err := TTL(ctx, client, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, ttl)

	assert.ErrorIs(t, second.Release(ctx), ErrNotHeld)
	require.NoError(t, first.Release(ctx))

	locked, err = IsLocked(ctx, client, DefaultKey)
	require.NoError(t, err)
	assert.False(t, locked)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_ExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	mr, client := setup(t)

	stale := New(client, "test:lock", time.Minute)
	ok, err := stale.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	fresh := New(client, "test:lock", time.Minute)
	ok, err = fresh.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// the stale run must not free its successor's lock
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	got, err := client.Get(ctx, "test:lock").Result()
	require.NoError(t, err)
	assert.Equal(t, fresh.Token(), got)
}

func TestTTL_FreeKey(t *testing.T) {
	_, client := setup(t)
	d, err := TTL(context.Background(), client, "nothing")
	require.NoError(t, err)
	assert.Zero(t, d)
}
