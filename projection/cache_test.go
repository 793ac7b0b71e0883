package projection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionStateCacheSeedsRoot(t *testing.T) {
	c := NewPartitionStateCache()
	require.Equal(t, 1, c.CachedItemCount())
	state, err := c.GetLocked(RootPartition)
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestPartitionStateCacheGetLockedUnknownKey(t *testing.T) {
	c := NewPartitionStateCache()
	_, err := c.GetLocked("nope")
	require.Error(t, err)
}

func TestPartitionStateCacheTryGetAndLock(t *testing.T) {
	c := NewPartitionStateCache()
	require.NoError(t, c.CacheAndLock("p", []byte("s0"), nil))

	state, ok := c.TryGetAndLock("p", CheckpointTag{Offset: 1})
	require.True(t, ok)
	require.Equal(t, []byte("s0"), state)

	_, ok = c.TryGetAndLock("missing", CheckpointTag{Offset: 1})
	require.False(t, ok)
}

func TestPartitionStateCacheCacheAndLockRejectsRewind(t *testing.T) {
	c := NewPartitionStateCache()
	at5 := CheckpointTag{Offset: 5}
	require.NoError(t, c.CacheAndLock("p", []byte("s5"), &at5))

	at3 := CheckpointTag{Offset: 3}
	err := c.CacheAndLock("p", []byte("s3"), &at3)
	require.Error(t, err, "relocking behind the existing lock position must fail")
}

func TestPartitionStateCacheCacheAndLockAllowsForwardOrEqual(t *testing.T) {
	c := NewPartitionStateCache()
	at5 := CheckpointTag{Offset: 5}
	require.NoError(t, c.CacheAndLock("p", []byte("s5"), &at5))
	require.NoError(t, c.CacheAndLock("p", []byte("s5-again"), &at5))

	at6 := CheckpointTag{Offset: 6}
	require.NoError(t, c.CacheAndLock("p", []byte("s6"), &at6))
}

func TestPartitionStateCacheUnlockRemovesBelowThreshold(t *testing.T) {
	c := NewPartitionStateCache()
	at1 := CheckpointTag{Offset: 1}
	at10 := CheckpointTag{Offset: 10}
	require.NoError(t, c.CacheAndLock("old", []byte("a"), &at1))
	require.NoError(t, c.CacheAndLock("new", []byte("b"), &at10))

	c.Unlock(CheckpointTag{Offset: 5})

	_, err := c.GetLocked("old")
	require.Error(t, err, "entries locked strictly before the checkpoint tag are removed")

	state, err := c.GetLocked("new")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), state)
}

func TestPartitionStateCacheUnlockNeverRemovesRoot(t *testing.T) {
	c := NewPartitionStateCache()
	c.Unlock(CheckpointTag{Offset: 1 << 30})
	_, err := c.GetLocked(RootPartition)
	require.NoError(t, err, "the root partition is never evicted by Unlock")
}

func TestPartitionStateCacheInitializeResets(t *testing.T) {
	c := NewPartitionStateCache()
	require.NoError(t, c.CacheAndLock("p", []byte("s"), nil))
	require.Equal(t, 2, c.CachedItemCount())

	c.Initialize()
	require.Equal(t, 1, c.CachedItemCount())
	state, err := c.GetLocked(RootPartition)
	require.NoError(t, err)
	require.Nil(t, state)
}
