package correlation

import (
	"sync"

	"github.com/google/btree"
)

// DueEntry is an entry of the transient deadline cache.
type DueEntry struct {
	Key      PrimaryKey
	WakeTime int64
	State    State
}

func lessDue(a, b DueEntry) bool {
	if a.WakeTime != b.WakeTime {
		return a.WakeTime < b.WakeTime
	}
	return a.Key.Less(b.Key)
}

// deadlineCache is the in-memory mirror of the deadline index. It holds every
// entity in a transient state, ordered by (wake time, primary key).
//
// Thread-safety: all methods are safe for concurrent use. The partition
// goroutine writes (through commit hooks), the scanner reads.
type deadlineCache struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[DueEntry]
	byKey map[PrimaryKey]DueEntry
}

func newDeadlineCache() *deadlineCache {
	return &deadlineCache{
		tree:  btree.NewG[DueEntry](16, lessDue),
		byKey: make(map[PrimaryKey]DueEntry),
	}
}

// put inserts or replaces the entry for e.Key.
func (c *deadlineCache) put(e DueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(e)
}

func (c *deadlineCache) putLocked(e DueEntry) {
	if old, ok := c.byKey[e.Key]; ok {
		c.tree.Delete(old)
	}
	c.byKey[e.Key] = e
	c.tree.ReplaceOrInsert(e)
}

func (c *deadlineCache) remove(key PrimaryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byKey[key]; ok {
		c.tree.Delete(old)
		delete(c.byKey, key)
	}
}

// updateWakeTime moves a cached entry to a new wake time. Entries that are not
// cached stay absent.
func (c *deadlineCache) updateWakeTime(key PrimaryKey, wakeTime int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.byKey[key]
	if !ok {
		return false
	}
	old.WakeTime = wakeTime
	c.putLocked(old)
	return true
}

func (c *deadlineCache) get(key PrimaryKey) (DueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	return e, ok
}

// due returns a copy of all entries with a wake time strictly below before,
// in ascending order.
func (c *deadlineCache) due(before int64) []DueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DueEntry
	c.tree.Ascend(func(e DueEntry) bool {
		if e.WakeTime >= before {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

func (c *deadlineCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// replace swaps the whole content of the cache.
func (c *deadlineCache) replace(entries []DueEntry) {
	tree := btree.NewG[DueEntry](16, lessDue)
	byKey := make(map[PrimaryKey]DueEntry, len(entries))
	for _, e := range entries {
		if old, ok := byKey[e.Key]; ok {
			tree.Delete(old)
		}
		byKey[e.Key] = e
		tree.ReplaceOrInsert(e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree = tree
	c.byKey = byKey
}
