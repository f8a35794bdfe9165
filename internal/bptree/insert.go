package bptree

import (
	"github.com/kallevig/ferrokv/internal/heap"
	"github.com/kallevig/ferrokv/internal/metrics"
	"github.com/kallevig/ferrokv/internal/pager"
)

// Insert adds key -> val, splitting nodes bottom-up as needed. It
// descends with exclusive latch coupling, releasing ancestor latches as
// soon as it reaches a node that is "safe" (guaranteed not to need its
// own parent modified by whatever happens below it), per spec §4.3.1.
func (t *Tree) Insert(key uint64, val heap.RecordPointer) error {
	for {
		err := t.insertOrUpdate(key, val, false)
		if err == errSiblingBusy {
			metrics.BptreeLatchRetries.Inc()
			continue
		}
		if err == nil {
			if h, herr := t.Height(); herr == nil {
				metrics.BptreeHeight.Set(float64(h))
			}
		}
		return err
	}
}

// Update overwrites the value stored for an existing key, returning
// ErrKeyNotFound if key is absent. It takes the same descent path as
// Insert but never splits.
func (t *Tree) Update(key uint64, val heap.RecordPointer) error {
	cur := pager.RootPageID
	t.latches.AcquireExclusive(cur)
	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			t.latches.ReleaseExclusive(cur)
			return err
		}
		if n.IsLeaf() {
			idx, ok := findKeyIndex(n.Keys, key)
			if !ok {
				t.latches.ReleaseExclusive(cur)
				return ErrKeyNotFound
			}
			n.Values[idx] = val
			err := t.pager.WritePage(n)
			t.latches.ReleaseExclusive(cur)
			return err
		}
		childIdx := findChildIndex(n.Keys, key)
		child := n.Children[childIdx]
		t.latches.AcquireExclusive(child)
		t.latches.ReleaseExclusive(cur)
		cur = child
	}
}

func (t *Tree) insertOrUpdate(key uint64, val heap.RecordPointer, upsert bool) error {
	stack := &latchStack{}
	cur := pager.RootPageID
	t.latches.AcquireExclusive(cur)
	stack.push(cur, true)

	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			t.latches.releaseAll(stack)
			return err
		}
		if n.IsLeaf() {
			if _, ok := findKeyIndex(n.Keys, key); ok && !upsert {
				t.latches.releaseAll(stack)
				return ErrKeyExists
			}
			err := t.insertIntoLeafChain(stack, n, key, val)
			t.latches.releaseAll(stack)
			return err
		}

		childIdx := findChildIndex(n.Keys, key)
		child := n.Children[childIdx]
		t.latches.AcquireExclusive(child)

		childNode, err := t.pager.ReadOrEmpty(child)
		if err != nil {
			t.latches.ReleaseExclusive(child)
			t.latches.releaseAll(stack)
			return err
		}
		if isSafeForInsert(t, childNode) {
			t.latches.releaseAllButPermanent(stack)
		}
		stack.push(child, true)
		cur = child
	}
}

// isSafeForInsert reports whether n could absorb one more key/child
// without needing to split (and therefore without needing to notify its
// parent).
func isSafeForInsert(t *Tree, n *pager.Node) bool {
	if n.IsLeaf() {
		return len(n.Keys) < t.maxKeys()
	}
	return len(n.Keys) < t.maxKeys()
}

// insertIntoLeafChain inserts key/val into leaf (the bottom of stack),
// splitting and propagating upward through the remaining latched
// ancestors in stack as needed.
func (t *Tree) insertIntoLeafChain(stack *latchStack, leaf *pager.Node, key uint64, val heap.RecordPointer) error {
	idx, ok := findKeyIndex(leaf.Keys, key)
	if ok {
		leaf.Values[idx] = val
		return t.pager.WritePage(leaf)
	}

	leaf.Keys = insertUint64At(leaf.Keys, idx, key)
	leaf.Values = insertRecordPointerAt(leaf.Values, idx, val)

	if len(leaf.Keys) <= t.maxKeys() {
		return t.pager.WritePage(leaf)
	}

	promotedKey, rightLeaf, err := t.splitLeaf(leaf)
	if err != nil {
		return err
	}
	return t.propagateSplit(stack, len(stack.pages)-2, promotedKey, leaf.PageID, rightLeaf.PageID)
}

// splitLeaf moves the upper half of leaf's entries into a freshly
// allocated right sibling, relinks the leaf chain, and returns the
// separator key (the right half's first key, copied up per the B+tree
// convention that leaves keep every key, spec §4.3 "Split").
func (t *Tree) splitLeaf(leaf *pager.Node) (uint64, *pager.Node, error) {
	mid := len(leaf.Keys) / 2

	right := pager.NewLeaf()
	right.Keys = append([]uint64(nil), leaf.Keys[mid:]...)
	right.Values = append([]heap.RecordPointer(nil), leaf.Values[mid:]...)
	right.Next = leaf.Next
	right.Prev = leaf.PageID

	leaf.Keys = leaf.Keys[:mid]
	leaf.Values = leaf.Values[:mid]

	allocated, err := t.pager.Allocate(right)
	if err != nil {
		return 0, nil, err
	}

	if leaf.Next != pager.NoPage {
		if err := t.relinkPrev(leaf.Next, allocated.PageID); err != nil {
			return 0, nil, err
		}
	}
	leaf.Next = allocated.PageID

	if err := t.pager.WritePage(leaf); err != nil {
		return 0, nil, err
	}
	return allocated.Keys[0], allocated, nil
}

// relinkPrev fixes sibling's Prev pointer after a split inserts a new
// right leaf ahead of it. This sibling isn't on the caller's latch
// stack, so it gets its own short-lived try-lock: spec §4.3.1 requires
// leaf-boundary sibling updates to use try-lock-or-abort rather than
// blocking, to avoid deadlocking against a concurrent split approaching
// from the other direction.
func (t *Tree) relinkPrev(siblingPage, newPrev int32) error {
	if !t.latches.TryAcquireExclusive(siblingPage) {
		return errSiblingBusy
	}
	defer t.latches.ReleaseExclusive(siblingPage)

	n, err := t.pager.ReadPage(siblingPage)
	if err != nil {
		return err
	}
	n.Prev = newPrev
	return t.pager.WritePage(n)
}

// propagateSplit inserts (promotedKey, newRightChild) into the ancestor
// at stack.pages[idx], splitting that ancestor in turn if it overflows.
// idx == -1 means the split reached above the root, so a brand new root
// is created.
func (t *Tree) propagateSplit(stack *latchStack, idx int, promotedKey uint64, leftChild, rightChild int32) error {
	if idx < 0 {
		return t.growNewRoot(promotedKey, leftChild, rightChild)
	}

	parentPage := stack.pages[idx]
	parent, err := t.pager.ReadPage(parentPage)
	if err != nil {
		return err
	}

	childIdx := findChildIndex(parent.Keys, promotedKey)
	parent.Keys = insertUint64At(parent.Keys, childIdx, promotedKey)
	parent.Children = insertInt32At(parent.Children, childIdx+1, rightChild)

	if len(parent.Keys) <= t.maxKeys() {
		return t.pager.WritePage(parent)
	}

	promoted, rightSib, err := t.splitInternal(parent)
	if err != nil {
		return err
	}
	return t.propagateSplit(stack, idx-1, promoted, parent.PageID, rightSib.PageID)
}

// splitInternal moves the upper half of an overflowing internal node's
// keys/children into a new right sibling. Unlike leaves, the internal
// median key is NOT copied into the right node: it moves up to the
// parent (spec §4.3, classic B+tree split, as opposed to the leaf case
// where the key is duplicated).
func (t *Tree) splitInternal(n *pager.Node) (uint64, *pager.Node, error) {
	mid := len(n.Keys) / 2
	promoted := n.Keys[mid]

	right := pager.NewInternal()
	right.Keys = append([]uint64(nil), n.Keys[mid+1:]...)
	right.Children = append([]int32(nil), n.Children[mid+1:]...)

	n.Keys = n.Keys[:mid]
	n.Children = n.Children[:mid+1]

	allocated, err := t.pager.Allocate(right)
	if err != nil {
		return 0, nil, err
	}
	if err := t.pager.WritePage(n); err != nil {
		return 0, nil, err
	}
	return promoted, allocated, nil
}

// growNewRoot is called when the root itself overflowed and split. The
// root's page id is permanently pager.RootPageID (spec §4.3 "Topology"),
// so the old root's post-split content — currently sitting at leftChild,
// which at this point still IS page 0 — has to move to a fresh page
// before page 0 can be overwritten with the new two-child internal root.
func (t *Tree) growNewRoot(promotedKey uint64, leftChild, rightChild int32) error {
	oldRoot, err := t.pager.ReadPage(leftChild)
	if err != nil {
		return err
	}

	relocated := &pager.Node{
		Kind: oldRoot.Kind, Keys: oldRoot.Keys, Children: oldRoot.Children,
		Values: oldRoot.Values, Next: oldRoot.Next, Prev: oldRoot.Prev,
	}
	allocated, err := t.pager.Allocate(relocated)
	if err != nil {
		return err
	}

	// If the old root was a leaf, its split sibling's Prev still points
	// at the old root's page id (RootPageID); fix it up to point at the
	// relocated page instead.
	if allocated.IsLeaf() && rightChild != pager.NoPage {
		if err := t.fixupPrevAfterRelocate(rightChild, allocated.PageID); err != nil {
			return err
		}
	}

	newRoot := pager.NewInternal()
	newRoot.PageID = pager.RootPageID
	newRoot.Keys = []uint64{promotedKey}
	newRoot.Children = []int32{allocated.PageID, rightChild}
	return t.pager.WritePage(newRoot)
}

func (t *Tree) fixupPrevAfterRelocate(page, newPrev int32) error {
	n, err := t.pager.ReadPage(page)
	if err != nil {
		return err
	}
	n.Prev = newPrev
	return t.pager.WritePage(n)
}

func insertUint64At(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertInt32At(s []int32, i int, v int32) []int32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertRecordPointerAt(s []heap.RecordPointer, i int, v heap.RecordPointer) []heap.RecordPointer {
	s = append(s, heap.RecordPointer{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
