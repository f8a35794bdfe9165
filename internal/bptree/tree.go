// Package bptree implements the disk-resident B+tree index: an ordered
// uint64-to-record-pointer map backed by fixed-size pages, with
// crabbing-style latch coupling for concurrent descent. See
// SPEC_FULL.md §4.3/§4.3.1.
package bptree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kallevig/ferrokv/internal/heap"
	"github.com/kallevig/ferrokv/internal/pager"
)

// ErrKeyNotFound is returned by Search/Delete when the key isn't present.
var ErrKeyNotFound = errors.New("bptree: key not found")

// ErrKeyExists is returned by Insert when the key is already present;
// callers that want upsert semantics should use Update.
var ErrKeyExists = errors.New("bptree: key already exists")

// errSiblingBusy signals that a try-lock on a leaf sibling failed during
// a split/merge boundary fixup; callers treat it as a retry signal
// rather than a hard failure (spec §4.3.1).
var errSiblingBusy = errors.New("bptree: sibling latch busy, retry")

// DefaultOrder is the production fan-out: up to 64 children per internal
// node. Tests use much smaller orders (3-6) to exercise split/merge/borrow
// without needing thousands of keys.
const DefaultOrder = 64

// Tree is an ordered uint64 -> heap.RecordPointer index. The root always
// lives at pager.RootPageID; every other page is allocated on demand and
// never reclaimed, matching the heap's append-only philosophy at the
// index layer (spec §5, "B+tree garbage pages from merges are not
// reclaimed in the base spec").
type Tree struct {
	pager   *pager.Manager
	latches *LatchManager
	order   int
}

// Open opens (or creates) a B+tree index file at path with the given
// fan-out order.
func Open(path string, order int) (*Tree, error) {
	if order < 3 {
		return nil, fmt.Errorf("bptree: order must be >= 3, got %d", order)
	}
	pm, err := pager.Open(path, pager.DefaultPageSize)
	if err != nil {
		return nil, err
	}
	return &Tree{pager: pm, latches: NewLatchManager(), order: order}, nil
}

// Close closes the underlying index file.
func (t *Tree) Close() error { return t.pager.Close() }

func (t *Tree) maxKeys() int      { return t.order - 1 }
func (t *Tree) minLeafKeys() int  { return t.order / 2 }
func (t *Tree) minChildren() int  { return (t.order + 1) / 2 }

// findChildIndex returns the index of the child pointer to follow for
// key within an internal node's Keys slice: the first index i such that
// key < Keys[i], or len(Keys) if key is >= every key.
func findChildIndex(keys []uint64, key uint64) int {
	return sort.Search(len(keys), func(i int) bool { return key < keys[i] })
}

// findKeyIndex returns the index of key within a leaf's Keys slice, and
// whether it was found.
func findKeyIndex(keys []uint64, key uint64) (int, bool) {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
	if i < len(keys) && keys[i] == key {
		return i, true
	}
	return i, false
}

// Search descends with shared latch coupling (hold child before releasing
// parent) and returns the record pointer stored for key.
func (t *Tree) Search(key uint64) (heap.RecordPointer, error) {
	cur := pager.RootPageID
	t.latches.AcquireShared(cur)
	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			t.latches.ReleaseShared(cur)
			return heap.RecordPointer{}, err
		}
		if n.IsLeaf() {
			idx, ok := findKeyIndex(n.Keys, key)
			t.latches.ReleaseShared(cur)
			if !ok {
				return heap.RecordPointer{}, ErrKeyNotFound
			}
			return n.Values[idx], nil
		}
		childIdx := findChildIndex(n.Keys, key)
		child := n.Children[childIdx]
		t.latches.AcquireShared(child)
		t.latches.ReleaseShared(cur)
		cur = child
	}
}

// Range calls fn for every key in [lo, hi) in ascending order, stopping
// early if fn returns false. It locates the first leaf with shared
// latch-coupled descent, then walks the doubly-linked leaf chain,
// latching at most one leaf at a time.
func (t *Tree) Range(lo, hi uint64, fn func(key uint64, val heap.RecordPointer) bool) error {
	cur := pager.RootPageID
	t.latches.AcquireShared(cur)
	var leaf *pager.Node
	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			t.latches.ReleaseShared(cur)
			return err
		}
		if n.IsLeaf() {
			leaf = n
			break
		}
		childIdx := findChildIndex(n.Keys, lo)
		child := n.Children[childIdx]
		t.latches.AcquireShared(child)
		t.latches.ReleaseShared(cur)
		cur = child
	}

	for leaf != nil {
		i, _ := findKeyIndex(leaf.Keys, lo)
		for ; i < len(leaf.Keys); i++ {
			if leaf.Keys[i] >= hi {
				t.latches.ReleaseShared(leaf.PageID)
				return nil
			}
			if !fn(leaf.Keys[i], leaf.Values[i]) {
				t.latches.ReleaseShared(leaf.PageID)
				return nil
			}
		}
		next := leaf.Next
		t.latches.ReleaseShared(leaf.PageID)
		if next == pager.NoPage {
			return nil
		}
		t.latches.AcquireShared(next)
		n, err := t.pager.ReadPage(next)
		if err != nil {
			t.latches.ReleaseShared(next)
			return err
		}
		leaf = n
	}
	return nil
}

// Height walks straight down the left spine without taking any latches,
// for diagnostics only (SPEC_FULL.md §4.3 supplemental).
func (t *Tree) Height() (int, error) {
	cur := pager.RootPageID
	height := 1
	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			return 0, err
		}
		if n.IsLeaf() {
			return height, nil
		}
		cur = n.Children[0]
		height++
	}
}
