package heap

import "encoding/binary"

// slottedBlock is the in-memory view of one on-disk block:
//
//	offset 0:                 2-byte slot count
//	offset 2:                 slot_count * (2B offset, 2B length), growing up
//	...unused middle...
//	offset blockSize-k..end:  payload bytes, growing down from blockSize
//
// All integers are big-endian, matching spec §6.
type slottedBlock struct {
	data []byte
}

func newBlock(size int) *slottedBlock {
	return &slottedBlock{data: make([]byte, size)}
}

func decodeBlock(data []byte) *slottedBlock {
	return &slottedBlock{data: data}
}

func (b *slottedBlock) slotCount() uint16 {
	return binary.BigEndian.Uint16(b.data[0:2])
}

func (b *slottedBlock) setSlotCount(n uint16) {
	binary.BigEndian.PutUint16(b.data[0:2], n)
}

func (b *slottedBlock) directoryEnd(slotCount uint16) int {
	return slotDirectoryHeader + int(slotCount)*slotPointerSize
}

func (b *slottedBlock) slotEntry(i uint16) (offset, length uint16) {
	pos := slotDirectoryHeader + int(i)*slotPointerSize
	offset = binary.BigEndian.Uint16(b.data[pos : pos+2])
	length = binary.BigEndian.Uint16(b.data[pos+2 : pos+4])
	return offset, length
}

func (b *slottedBlock) setSlotEntry(i uint16, offset, length uint16) {
	pos := slotDirectoryHeader + int(i)*slotPointerSize
	binary.BigEndian.PutUint16(b.data[pos:pos+2], offset)
	binary.BigEndian.PutUint16(b.data[pos+2:pos+4], length)
}

func (b *slottedBlock) slotPayload(i uint16) []byte {
	offset, length := b.slotEntry(i)
	out := make([]byte, length)
	copy(out, b.data[offset:int(offset)+int(length)])
	return out
}

// lowestPayloadOffset returns the smallest payload offset in use, or
// len(data) if the block has no slots yet.
func (b *slottedBlock) lowestPayloadOffset() int {
	count := b.slotCount()
	lowest := len(b.data)
	for i := uint16(0); i < count; i++ {
		offset, _ := b.slotEntry(i)
		if int(offset) < lowest {
			lowest = int(offset)
		}
	}
	return lowest
}

// tryAppend attempts to append payload as a new slot. It returns the new
// slot index and true on success, or (0, false) if the block has no room
// — the directory-end-to-lowest-payload gap must fit one more slot
// pointer plus the payload itself.
func (b *slottedBlock) tryAppend(payload []byte) (uint16, bool) {
	count := b.slotCount()
	dirEnd := b.directoryEnd(count + 1)
	lowest := b.lowestPayloadOffset()

	if dirEnd+len(payload) > lowest {
		return 0, false
	}

	newOffset := lowest - len(payload)
	copy(b.data[newOffset:lowest], payload)
	b.setSlotEntry(count, uint16(newOffset), uint16(len(payload)))
	b.setSlotCount(count + 1)
	return count, true
}

// bytesUsed sums the slot directory and all payload bytes currently
// occupying the block.
func (b *slottedBlock) bytesUsed() int {
	count := b.slotCount()
	return b.directoryEnd(count) + (len(b.data) - b.lowestPayloadOffset())
}
