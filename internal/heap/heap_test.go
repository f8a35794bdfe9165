package heap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallevig/ferrokv/internal/heap"
)

func openHeap(t *testing.T, blockSize int) *heap.Heap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.db")
	h, err := heap.Open(path, blockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func Test_AppendAndReadRecord_RoundTrips(t *testing.T) {
	t.Parallel()
	h := openHeap(t, heap.DefaultBlockSize)

	p1, err := h.AppendRecord([]byte("Hello"))
	require.NoError(t, err)
	p2, err := h.AppendRecord([]byte("World"))
	require.NoError(t, err)

	got1, err := h.ReadRecord(p1)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(got1))

	got2, err := h.ReadRecord(p2)
	require.NoError(t, err)
	assert.Equal(t, "World", string(got2))
}

func Test_AppendRecord_SpillsToNewBlock_WhenTailIsFull(t *testing.T) {
	t.Parallel()
	h := openHeap(t, 64) // tiny block to force spills quickly

	payload := make([]byte, 20)
	var ptrs []heap.RecordPointer
	for i := 0; i < 6; i++ {
		p, err := h.AppendRecord(payload)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}

	st, err := h.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.BlockCount, uint32(1), "expected the heap to have spilled into more than one block")

	for _, p := range ptrs {
		got, err := h.ReadRecord(p)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func Test_AppendRecord_BoundaryPayloadSize(t *testing.T) {
	t.Parallel()
	h := openHeap(t, heap.DefaultBlockSize)

	max := h.MaxPayloadSize()
	_, err := h.AppendRecord(make([]byte, max))
	require.NoError(t, err)

	_, err = h.AppendRecord(make([]byte, max+1))
	assert.ErrorIs(t, err, heap.ErrPayloadTooLarge)
}

func Test_ReadRecord_UnknownPointer_Errors(t *testing.T) {
	t.Parallel()
	h := openHeap(t, heap.DefaultBlockSize)

	_, err := h.AppendRecord([]byte("x"))
	require.NoError(t, err)

	_, err = h.ReadRecord(heap.RecordPointer{Block: 99, Slot: 0})
	assert.ErrorIs(t, err, heap.ErrBlockNotFound)

	_, err = h.ReadRecord(heap.RecordPointer{Block: 0, Slot: 99})
	assert.ErrorIs(t, err, heap.ErrSlotNotFound)
}

func Test_SlotDirectoryInvariant_HoldsAcrossManyAppends(t *testing.T) {
	t.Parallel()
	h := openHeap(t, 256)

	var ptrs []heap.RecordPointer
	for i := 0; i < 200; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		p, err := h.AppendRecord(payload)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		got, err := h.ReadRecord(p)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), byte(i >> 8)}, got)
	}
	// No explicit invariant-walking API is exposed; round-tripping every
	// record we wrote is an indirect but sufficient check that every
	// slot's offset/length stayed within bounds (a violation would
	// either panic on write or return garbage on read).
}
