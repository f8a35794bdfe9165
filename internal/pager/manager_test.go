package pager_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallevig/ferrokv/internal/heap"
	"github.com/kallevig/ferrokv/internal/pager"
)

func openManager(t *testing.T) *pager.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	m, err := pager.Open(path, pager.DefaultPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func Test_ReadOrEmpty_BootstrapsPageZero(t *testing.T) {
	t.Parallel()
	m := openManager(t)

	n, err := m.ReadOrEmpty(pager.RootPageID)
	require.NoError(t, err)
	assert.True(t, n.IsLeaf())
	assert.Equal(t, pager.RootPageID, n.PageID)
	assert.Empty(t, n.Keys)
}

func Test_WriteThenReadPage_RoundTrips(t *testing.T) {
	t.Parallel()
	m := openManager(t)

	n := pager.NewLeaf()
	n.PageID = pager.RootPageID
	n.Keys = []uint64{1, 2, 3}
	n.Values = []heap.RecordPointer{{Block: 1, Slot: 1}, {Block: 1, Slot: 2}, {Block: 2, Slot: 0}}
	n.Next = pager.NoPage
	n.Prev = pager.NoPage

	require.NoError(t, m.WritePage(n))

	got, err := m.ReadPage(pager.RootPageID)
	require.NoError(t, err)
	assert.Equal(t, n.Keys, got.Keys)
	assert.Equal(t, n.Values, got.Values)
	assert.True(t, got.IsLeaf())
}

func Test_Allocate_AssignsIncreasingPageIDs_AndReservesRoot(t *testing.T) {
	t.Parallel()
	m := openManager(t)

	first, err := m.Allocate(pager.NewLeaf())
	require.NoError(t, err)
	assert.Equal(t, pager.RootPageID+1, first.PageID)

	second, err := m.Allocate(pager.NewLeaf())
	require.NoError(t, err)
	assert.Equal(t, first.PageID+1, second.PageID)
}

func Test_WritePage_InternalNode_RoundTrips(t *testing.T) {
	t.Parallel()
	m := openManager(t)

	n := pager.NewInternal()
	n.PageID = pager.RootPageID
	n.Keys = []uint64{50}
	n.Children = []int32{1, 2}
	require.NoError(t, m.WritePage(n))

	got, err := m.ReadPage(pager.RootPageID)
	require.NoError(t, err)
	assert.False(t, got.IsLeaf())
	assert.Equal(t, []int32{1, 2}, got.Children)
	assert.Equal(t, []uint64{50}, got.Keys)
}

func Test_WritePage_RequiresPageID(t *testing.T) {
	t.Parallel()
	m := openManager(t)

	err := m.WritePage(pager.NewLeaf())
	assert.Error(t, err)
}
