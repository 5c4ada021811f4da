package monitor

import (
	"sort"
	"sync"
)

// pendingWd marks a watch-table entry whose inotify watch could not be
// installed yet (inotify resource exhaustion), mirroring the original's use
// of a sentinel descriptor value to remember the request for later retry.
const pendingWd = -1

type watchEntry struct {
	wd   int32
	path string
}

// watchTable is the sorted-by-wd watch-descriptor lookup table. It is
// mutated only from the monitor's own goroutine during normal operation;
// Stop also touches it to uninstall every remaining watch, guarded by the
// same mutex.
type watchTable struct {
	mu      sync.Mutex
	entries []watchEntry
}

func newWatchTable() *watchTable {
	return &watchTable{}
}

func (t *watchTable) insert(e watchEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Entries sharing a key (all pending entries use the pendingWd sentinel)
	// must stay in FIFO order, so the insertion point is past every existing
	// entry with an equal key, not before it.
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].wd > e.wd })
	t.entries = append(t.entries, watchEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *watchTable) findByWd(wd int32) (watchEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].wd >= wd })
	if i < len(t.entries) && t.entries[i].wd == wd {
		return t.entries[i], true
	}
	return watchEntry{}, false
}

// removeByPrefix removes every entry whose path equals prefix or sits below
// it in the tree, returning the removed entries.
func (t *watchTable) removeByPrefix(prefix string) []watchEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []watchEntry
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.path == prefix || hasPathPrefix(e.path, prefix) {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	return removed
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// removeFirstPending pops one pending (sentinel wd) entry, if any. Pending
// entries sort to the front since valid inotify watch descriptors are
// always non-negative.
func (t *watchTable) removeFirstPending() (watchEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) > 0 && t.entries[0].wd <= 0 {
		e := t.entries[0]
		t.entries = t.entries[1:]
		return e, true
	}
	return watchEntry{}, false
}

func (t *watchTable) all() []watchEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]watchEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *watchTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
