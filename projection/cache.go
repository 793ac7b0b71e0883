package projection

import (
	"fmt"
	"sync"
)

// RootPartition is the key of the partition that is always cached and never
// locked out of existence.
const RootPartition = ""

// partitionEntry is one cached partition's state plus the position it is
// locked at. lockedAt is nil for the root partition and for any partition
// cached with an explicit unlockable marker.
type partitionEntry struct {
	state    []byte
	lockedAt *CheckpointTag
}

// PartitionStateCache is the in-memory mapping from partition key to (state,
// lock position). It holds no I/O dependency: durability of partition state
// is indirect, via StateUpdated events a [Runtime] schedules through a
// [CheckpointManager].
//
// A RWMutex guards the map because, unlike the rest of the runtime, the cache
// is read from [Runtime.Snapshot] concurrently with the single-threaded
// processing path.
type PartitionStateCache struct {
	mu      sync.RWMutex
	entries map[string]*partitionEntry
}

// NewPartitionStateCache returns a cache seeded with the root partition, as
// Initialize would.
func NewPartitionStateCache() *PartitionStateCache {
	c := &PartitionStateCache{}
	c.Initialize()
	return c
}

// Initialize clears all entries and reseeds the root partition with empty
// state and no lock.
func (c *PartitionStateCache) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*partitionEntry{
		RootPartition: {state: nil, lockedAt: nil},
	}
}

// CacheAndLock upserts key's entry with state, locked at the given tag. It
// fails if key is already locked at a position strictly greater than at,
// since that would mean a stale actor is trying to rewind the lock; relocking
// at the same position is allowed.
func (c *PartitionStateCache) CacheAndLock(key string, state []byte, at *CheckpointTag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.entries[key]
	if ok && existing.lockedAt != nil && at != nil && !existing.lockedAt.Less(*at) && !existing.lockedAt.Equal(*at) {
		return fmt.Errorf("projection: cache: %q already locked at %s, cannot relock at %s", key, existing.lockedAt, at)
	}
	c.entries[key] = &partitionEntry{state: state, lockedAt: at}
	return nil
}

// TryGetAndLock returns the cached state for key if present, atomically
// advancing its lock to at. It reports ok=false if key is absent.
func (c *PartitionStateCache) TryGetAndLock(key string, at CheckpointTag) (state []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found {
		return nil, false
	}
	e.lockedAt = &at
	return e.state, true
}

// GetLocked returns the currently cached state for key, failing if absent.
func (c *PartitionStateCache) GetLocked(key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("projection: cache: %q not locked", key)
	}
	return e.state, nil
}

// Unlock removes every non-root entry whose lock position is present and
// strictly less than upto. The root entry is never removed.
func (c *PartitionStateCache) Unlock(upto CheckpointTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key == RootPartition {
			continue
		}
		if e.lockedAt != nil && e.lockedAt.Less(upto) {
			delete(c.entries, key)
		}
	}
}

// CachedItemCount returns the number of cached partitions, including the
// root, for statistics reporting.
func (c *PartitionStateCache) CachedItemCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
