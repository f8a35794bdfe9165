// Package heap implements the slotted-page heap file: variable-length
// record storage in fixed-size blocks, a growing slot directory at the
// low end of each block, and payload bytes packed from the high end
// downward. See spec §3 ("Block (heap page)") and §4.1.
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kallevig/ferrokv/internal/diskio"
	"github.com/kallevig/ferrokv/internal/metrics"
)

// DefaultBlockSize matches the teacher's page-size-as-block-size choice,
// generalized to the heap's own tunable B.
const DefaultBlockSize = 4096

// HeaderSize is the fixed reserved region preceding the first block.
const HeaderSize = 1024

const (
	slotDirectoryHeader = 2 // 2-byte slot count at offset 0
	slotPointerSize     = 4 // 2-byte offset + 2-byte length
)

// ErrPayloadTooLarge is returned by AppendRecord when payload cannot fit
// in any single block, even an otherwise-empty one.
var ErrPayloadTooLarge = errors.New("heap: payload too large for a single block")

// ErrBlockNotFound and ErrSlotNotFound are returned by ReadRecord when the
// pointer does not address a live slot.
var (
	ErrBlockNotFound = errors.New("heap: block not found")
	ErrSlotNotFound  = errors.New("heap: slot not found")
)

// RecordPointer identifies a record by the block it lives in and its slot
// index within that block's directory. It is stable for the life of the
// slot: the heap never compacts or reuses a slot.
type RecordPointer struct {
	Block uint32
	Slot  uint16
}

func (p RecordPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Block, p.Slot)
}

// Heap is a single slotted-page heap file. Operations are serialized by a
// single coarse mutex, per spec §4.1's "a coarse lock suffices".
type Heap struct {
	file       *diskio.File
	blockSize  int
	blockCount uint32
	mu         sync.Mutex
}

// Open opens or creates a heap file at path with the given block size.
func Open(path string, blockSize int) (*Heap, error) {
	if blockSize <= slotDirectoryHeader+slotPointerSize {
		return nil, fmt.Errorf("heap: block size %d too small", blockSize)
	}
	f, err := diskio.Open(path)
	if err != nil {
		return nil, err
	}
	h := &Heap{file: f, blockSize: blockSize}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size < HeaderSize {
		if err := f.Grow(HeaderSize); err != nil {
			return nil, err
		}
		h.blockCount = 0
		return h, nil
	}
	h.blockCount = uint32((size - HeaderSize) / int64(blockSize))
	return h, nil
}

// Close closes the underlying file.
func (h *Heap) Close() error {
	return h.file.Close()
}

// MaxPayloadSize is the largest payload AppendRecord can ever accept: a
// lone slot plus its directory entry must fit in one fresh block.
func (h *Heap) MaxPayloadSize() int {
	return h.blockSize - slotDirectoryHeader - slotPointerSize
}

func (h *Heap) blockOffset(block uint32) int64 {
	return HeaderSize + int64(block)*int64(h.blockSize)
}

func (h *Heap) readBlock(block uint32) (*slottedBlock, error) {
	buf := make([]byte, h.blockSize)
	if err := h.file.ReadAt(buf, h.blockOffset(block)); err != nil {
		return nil, err
	}
	return decodeBlock(buf), nil
}

func (h *Heap) writeBlock(block uint32, b *slottedBlock) error {
	return h.file.WriteAt(b.data, h.blockOffset(block))
}

// AppendRecord writes payload into the current tail block if it fits,
// otherwise allocates a fresh tail block. Returns a RecordPointer stable
// for the life of the slot.
func (h *Heap) AppendRecord(payload []byte) (RecordPointer, error) {
	if len(payload) > h.MaxPayloadSize() {
		return RecordPointer{}, ErrPayloadTooLarge
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.blockCount == 0 {
		if err := h.allocateBlockLocked(); err != nil {
			return RecordPointer{}, err
		}
	}

	tail := h.blockCount - 1
	blk, err := h.readBlock(tail)
	if err != nil {
		return RecordPointer{}, err
	}

	if slot, ok := blk.tryAppend(payload); ok {
		if err := h.writeBlock(tail, blk); err != nil {
			return RecordPointer{}, err
		}
		return RecordPointer{Block: tail, Slot: slot}, nil
	}

	// Didn't fit: allocate a fresh tail block and retry. A payload that
	// passed MaxPayloadSize always fits in an empty block.
	if err := h.allocateBlockLocked(); err != nil {
		return RecordPointer{}, err
	}
	tail = h.blockCount - 1
	blk = newBlock(h.blockSize)
	slot, ok := blk.tryAppend(payload)
	if !ok {
		return RecordPointer{}, fmt.Errorf("heap: payload did not fit in empty block: %w", ErrPayloadTooLarge)
	}
	if err := h.writeBlock(tail, blk); err != nil {
		return RecordPointer{}, err
	}
	return RecordPointer{Block: tail, Slot: slot}, nil
}

func (h *Heap) allocateBlockLocked() error {
	blk := newBlock(h.blockSize)
	if err := h.writeBlock(h.blockCount, blk); err != nil {
		return err
	}
	h.blockCount++
	metrics.HeapBlocksAllocated.Inc()
	return nil
}

// ReadRecord returns the payload bytes addressed by ptr.
func (h *Heap) ReadRecord(ptr RecordPointer) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ptr.Block >= h.blockCount {
		return nil, ErrBlockNotFound
	}
	blk, err := h.readBlock(ptr.Block)
	if err != nil {
		return nil, err
	}
	if ptr.Slot >= blk.slotCount() {
		return nil, ErrSlotNotFound
	}
	return blk.slotPayload(ptr.Slot), nil
}

// Stats is a read-only snapshot used by tests and the CLI's STATS command.
// It is not part of the spec's core contract; see SPEC_FULL.md §4.1.
type Stats struct {
	BlockCount uint32
	BlockSize  int
	// TailBytesUsed sums the slot directory plus payload bytes of the tail
	// block only; older blocks are immutable once a new tail is opened,
	// so their utilization never changes after the fact.
	TailBytesUsed int
}

// Stats reports block count and tail-block utilization.
func (h *Heap) Stats() (Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Stats{BlockCount: h.blockCount, BlockSize: h.blockSize}
	if h.blockCount == 0 {
		return st, nil
	}
	blk, err := h.readBlock(h.blockCount - 1)
	if err != nil {
		return Stats{}, err
	}
	st.TailBytesUsed = blk.bytesUsed()
	return st, nil
}
