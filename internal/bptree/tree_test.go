package bptree_test

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallevig/ferrokv/internal/bptree"
	"github.com/kallevig/ferrokv/internal/heap"
)

func openTree(t *testing.T, order int) *bptree.Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	tr, err := bptree.Open(path, order)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func ptr(i int) heap.RecordPointer {
	return heap.RecordPointer{Block: uint32(i), Slot: uint16(i % 16)}
}

func Test_InsertAndSearch_SmallOrder_CausesSplits(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 3)

	for i := 1; i <= 20; i++ {
		require.NoError(t, tr.Insert(uint64(i), ptr(i)))
	}
	for i := 1; i <= 20; i++ {
		v, err := tr.Search(uint64(i))
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, ptr(i), v)
	}

	h, err := tr.Height()
	require.NoError(t, err)
	assert.Greater(t, h, 1, "expected splits to have grown the tree past a single leaf")
}

func Test_Search_MissingKey_ReturnsErrKeyNotFound(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)
	require.NoError(t, tr.Insert(1, ptr(1)))

	_, err := tr.Search(2)
	assert.ErrorIs(t, err, bptree.ErrKeyNotFound)
}

func Test_Insert_DuplicateKey_ReturnsErrKeyExists(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)
	require.NoError(t, tr.Insert(1, ptr(1)))
	assert.ErrorIs(t, tr.Insert(1, ptr(2)), bptree.ErrKeyExists)
}

func Test_Update_ExistingKey_OverwritesValue(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)
	require.NoError(t, tr.Insert(1, ptr(1)))
	require.NoError(t, tr.Update(1, ptr(99)))

	v, err := tr.Search(1)
	require.NoError(t, err)
	assert.Equal(t, ptr(99), v)
}

func Test_Range_ReturnsAscendingKeysInBounds(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)
	for i := 1; i <= 50; i++ {
		require.NoError(t, tr.Insert(uint64(i), ptr(i)))
	}

	var got []uint64
	err := tr.Range(10, 20, func(k uint64, v heap.RecordPointer) bool {
		got = append(got, k)
		return true
	})
	require.NoError(t, err)

	var want []uint64
	for i := 10; i < 20; i++ {
		want = append(want, uint64(i))
	}
	assert.Equal(t, want, got)
}

func Test_Delete_ShrinksTree_AndRemovesKeys(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 3)
	for i := 1; i <= 30; i++ {
		require.NoError(t, tr.Insert(uint64(i), ptr(i)))
	}
	for i := 1; i <= 30; i++ {
		require.NoError(t, tr.Delete(uint64(i)), "deleting %d", i)
	}
	for i := 1; i <= 30; i++ {
		_, err := tr.Search(uint64(i))
		assert.ErrorIs(t, err, bptree.ErrKeyNotFound)
	}

	h, err := tr.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h, "deleting every key should shrink the tree back to a single root leaf")
}

func Test_Delete_MissingKey_ReturnsErrKeyNotFound(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)
	require.NoError(t, tr.Insert(1, ptr(1)))
	assert.ErrorIs(t, tr.Delete(2), bptree.ErrKeyNotFound)
}

func Test_BulkRandomInsert_ConcurrentGoroutines_AllKeysRetrievable(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 5)

	const total = 10_000
	const workers = 10
	perWorker := total / workers

	keys := rand.New(rand.NewSource(1)).Perm(total)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := keys[w*perWorker+i]
				if err := tr.Insert(uint64(k), ptr(k)); err != nil {
					t.Errorf("insert %d: %v", k, err)
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		v, err := tr.Search(uint64(i))
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, ptr(i), v)
	}
}

func Test_InsertDeleteInterleaved_PreservesRemainingKeys(t *testing.T) {
	t.Parallel()
	tr := openTree(t, 4)

	present := make(map[uint64]bool)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		k := uint64(r.Intn(100))
		if present[k] {
			require.NoError(t, tr.Delete(k), fmt.Sprintf("delete %d", k))
			present[k] = false
		} else {
			require.NoError(t, tr.Insert(k, ptr(int(k))), fmt.Sprintf("insert %d", k))
			present[k] = true
		}
	}

	for k, want := range present {
		v, err := tr.Search(k)
		if want {
			require.NoError(t, err, "key %d should be present", k)
			assert.Equal(t, ptr(int(k)), v)
		} else {
			assert.ErrorIs(t, err, bptree.ErrKeyNotFound, "key %d should be absent", k)
		}
	}
}
