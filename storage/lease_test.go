package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLeaseStore(t *testing.T) (*RedisLeaseStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLeaseStoreFromClient(client, zap.NewNop().Sugar()), mr
}

func TestLeaseAcquireIsExclusive(t *testing.T) {
	store, _ := newTestLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "rule-1:tenant-a:100", "instance-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "rule-1:tenant-a:100", "instance-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different window is an independent lease.
	ok, err = store.Acquire(ctx, "rule-1:tenant-a:160", "instance-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseReleaseAllowsReacquire(t *testing.T) {
	store, _ := newTestLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "rule-1:tenant-a:100", "instance-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "rule-1:tenant-a:100", "instance-1"))

	ok, err = store.Acquire(ctx, "rule-1:tenant-a:100", "instance-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseReleaseByNonOwnerIsIgnored(t *testing.T) {
	store, _ := newTestLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "rule-1:tenant-a:100", "instance-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder must not free someone else's lease.
	require.NoError(t, store.Release(ctx, "rule-1:tenant-a:100", "instance-2"))

	ok, err = store.Acquire(ctx, "rule-1:tenant-a:100", "instance-3", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	store, mr := newTestLeaseStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "rule-1:tenant-a:100", "instance-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = store.Acquire(ctx, "rule-1:tenant-a:100", "instance-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLeaseStoreAlwaysGrants(t *testing.T) {
	var store LocalLeaseStore
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "any", "owner", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, store.Release(ctx, "any", "owner"))
}
