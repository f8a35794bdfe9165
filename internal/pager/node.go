// Package pager implements the B+tree's fixed-size page I/O: reading,
// writing, and allocating pages, and converting between the in-memory
// node shape and the on-disk byte layout described in spec §3 ("B+tree
// page"). See SPEC_FULL.md §4.2.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kallevig/ferrokv/internal/heap"
)

// DefaultPageSize is the fixed page size P.
const DefaultPageSize = 4096

// RootPageID is the page id permanently assigned to the tree root (spec
// §4.3 "Topology").
const RootPageID int32 = 0

// NoPage is the sentinel used for "none" child/sibling pointers and for a
// Node that has not yet been assigned a page id by Allocate.
const NoPage int32 = -1

// ErrPageOverflow is returned when a node's serialized form would exceed
// one page.
var ErrPageOverflow = errors.New("pager: serialized node exceeds page size")

// Kind distinguishes internal nodes from leaves (spec §9's tagged
// variant: "node is a value type", not a class hierarchy).
type Kind uint8

const (
	KindLeaf Kind = iota
	KindInternal
)

// Node is the in-memory shape of one B+tree page. Leaves carry Values and
// Next/Prev; internal nodes carry Children and no values. Both carry
// Keys. The page manager is the sole authority that resolves a PageID to
// a Node; nothing else holds a live reference across a latch release,
// which is what lets the leaf chain be expressed as plain page numbers
// instead of in-memory pointers (spec §9, "cyclic graph of leaf
// next/prev pointers").
type Node struct {
	PageID int32
	Kind   Kind

	Keys     []uint64 // 48-bit values
	Children []int32  // internal only; len == len(Keys)+1
	Values   []heap.RecordPointer // leaf only; len == len(Keys)

	Next int32 // leaf only; NoPage if none
	Prev int32 // leaf only; NoPage if none
}

// NewLeaf returns an empty leaf not yet assigned a page id.
func NewLeaf() *Node {
	return &Node{PageID: NoPage, Kind: KindLeaf, Next: NoPage, Prev: NoPage}
}

// NewInternal returns an empty internal node not yet assigned a page id.
func NewInternal() *Node {
	return &Node{PageID: NoPage, Kind: KindInternal}
}

// IsLeaf reports whether n is a leaf node.
func (n *Node) IsLeaf() bool { return n.Kind == KindLeaf }

const maxKey = 1<<48 - 1

// encodeRecordPointer packs a heap.RecordPointer into the 4-byte field
// spec §3 allots B+tree values. Block numbers above 2^24-1 or slot
// indexes above 255 cannot be represented in 4 bytes and are rejected
// with an error.
func encodeRecordPointer(rp heap.RecordPointer) ([4]byte, error) {
	if rp.Block > 0xFFFFFF {
		return [4]byte{}, fmt.Errorf("pager: block number %d exceeds 24-bit record-pointer field", rp.Block)
	}
	if rp.Slot > 0xFF {
		return [4]byte{}, fmt.Errorf("pager: slot index %d exceeds 8-bit record-pointer field", rp.Slot)
	}
	var out [4]byte
	out[0] = byte(rp.Block >> 16)
	out[1] = byte(rp.Block >> 8)
	out[2] = byte(rp.Block)
	out[3] = byte(rp.Slot)
	return out, nil
}

func decodeRecordPointer(b [4]byte) heap.RecordPointer {
	block := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return heap.RecordPointer{Block: block, Slot: uint16(b[3])}
}

// Encode serializes n per spec §3's B+tree page layout, padded to
// pageSize. It fails with ErrPageOverflow if the node does not fit.
func Encode(n *Node, pageSize int) ([]byte, error) {
	if len(n.Keys) > 255 {
		return nil, fmt.Errorf("pager: %w: %d keys exceeds the 1-byte count field", ErrPageOverflow, len(n.Keys))
	}
	for _, k := range n.Keys {
		if k > maxKey {
			return nil, fmt.Errorf("pager: key %d exceeds 48 bits", k)
		}
	}

	buf := make([]byte, 0, pageSize)

	// 1. key count + keys (6 bytes each).
	buf = append(buf, byte(len(n.Keys)))
	var k6 [6]byte
	for _, k := range n.Keys {
		putUint48(k6[:], k)
		buf = append(buf, k6[:]...)
	}

	// 2. value count + values (4 bytes each); leaves only.
	buf = append(buf, byte(len(n.Values)))
	for _, v := range n.Values {
		rp, err := encodeRecordPointer(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, rp[:]...)
	}

	// 3. child count + children (4 bytes signed each); internal only.
	if len(n.Children) > 255 {
		return nil, fmt.Errorf("pager: %w: %d children exceeds the 1-byte count field", ErrPageOverflow, len(n.Children))
	}
	buf = append(buf, byte(len(n.Children)))
	var c4 [4]byte
	for _, c := range n.Children {
		binary.BigEndian.PutUint32(c4[:], uint32(c))
		buf = append(buf, c4[:]...)
	}

	// 4. leaves only: next/prev sibling page numbers.
	if n.IsLeaf() {
		var sib [8]byte
		binary.BigEndian.PutUint32(sib[0:4], uint32(n.Next))
		binary.BigEndian.PutUint32(sib[4:8], uint32(n.Prev))
		buf = append(buf, sib[:]...)
	}

	if len(buf) > pageSize {
		return nil, fmt.Errorf("pager: %w: %d bytes > page size %d", ErrPageOverflow, len(buf), pageSize)
	}

	padded := make([]byte, pageSize)
	copy(padded, buf)
	return padded, nil
}

// Decode deserializes a page's worth of bytes into a Node. pageID is the
// page this buffer was read from; the node's on-disk form does not carry
// its own page id.
func Decode(buf []byte, pageID int32) (*Node, error) {
	n := &Node{PageID: pageID}
	pos := 0

	readU8 := func() int {
		v := int(buf[pos])
		pos++
		return v
	}

	nKeys := readU8()
	n.Keys = make([]uint64, nKeys)
	for i := range n.Keys {
		n.Keys[i] = getUint48(buf[pos : pos+6])
		pos += 6
	}

	nVals := readU8()
	n.Values = make([]heap.RecordPointer, nVals)
	for i := range n.Values {
		var rp [4]byte
		copy(rp[:], buf[pos:pos+4])
		n.Values[i] = decodeRecordPointer(rp)
		pos += 4
	}

	nChildren := readU8()
	n.Children = make([]int32, nChildren)
	for i := range n.Children {
		n.Children[i] = int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
	}

	if nChildren > 0 {
		n.Kind = KindInternal
	} else {
		n.Kind = KindLeaf
		n.Next = int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
		n.Prev = int32(binary.BigEndian.Uint32(buf[pos+4 : pos+8]))
	}

	return n, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
