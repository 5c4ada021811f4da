package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchTableInsertKeepsSortedOrder(t *testing.T) {
	tbl := newWatchTable()
	tbl.insert(watchEntry{wd: 5, path: "/a"})
	tbl.insert(watchEntry{wd: 2, path: "/b"})
	tbl.insert(watchEntry{wd: 9, path: "/c"})

	all := tbl.all()
	require.Len(t, all, 3)
	assert.Equal(t, []int32{2, 5, 9}, []int32{all[0].wd, all[1].wd, all[2].wd})
}

func TestWatchTableFindByWd(t *testing.T) {
	tbl := newWatchTable()
	tbl.insert(watchEntry{wd: 3, path: "/a"})
	tbl.insert(watchEntry{wd: 7, path: "/b"})

	e, ok := tbl.findByWd(7)
	require.True(t, ok)
	assert.Equal(t, "/b", e.path)

	_, ok = tbl.findByWd(42)
	assert.False(t, ok)
}

func TestWatchTableRemoveByPrefixIsBoundaryAware(t *testing.T) {
	tbl := newWatchTable()
	tbl.insert(watchEntry{wd: 1, path: "/a/b"})
	tbl.insert(watchEntry{wd: 2, path: "/a/b/c"})
	tbl.insert(watchEntry{wd: 3, path: "/a/bc"})
	tbl.insert(watchEntry{wd: 4, path: "/a/other"})

	removed := tbl.removeByPrefix("/a/b")
	require.Len(t, removed, 2)

	remaining := tbl.all()
	require.Len(t, remaining, 2)
	for _, e := range remaining {
		assert.NotEqual(t, "/a/b", e.path)
		assert.NotEqual(t, "/a/b/c", e.path)
	}
}

func TestWatchTablePendingRecycling(t *testing.T) {
	tbl := newWatchTable()
	tbl.insert(watchEntry{wd: pendingWd, path: "/pending1"})
	tbl.insert(watchEntry{wd: pendingWd, path: "/pending2"})
	tbl.insert(watchEntry{wd: 10, path: "/live"})

	e, ok := tbl.removeFirstPending()
	require.True(t, ok)
	assert.Equal(t, "/pending1", e.path)

	e, ok = tbl.removeFirstPending()
	require.True(t, ok)
	assert.Equal(t, "/pending2", e.path)

	_, ok = tbl.removeFirstPending()
	assert.False(t, ok, "only the live watch remains, which is not pending")
}

func TestWatchTableClear(t *testing.T) {
	tbl := newWatchTable()
	tbl.insert(watchEntry{wd: 1, path: "/a"})
	tbl.clear()
	assert.Empty(t, tbl.all())
}
