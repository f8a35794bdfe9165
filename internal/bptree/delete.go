package bptree

import (
	"github.com/kallevig/ferrokv/internal/heap"
	"github.com/kallevig/ferrokv/internal/metrics"
	"github.com/kallevig/ferrokv/internal/pager"
)

// Delete removes key from the tree, borrowing from or merging with a
// sibling when a node underflows below its minimum occupancy. Like
// Insert, it retries the whole operation if a sibling try-lock fails
// during a boundary fixup (spec §4.3.1).
func (t *Tree) Delete(key uint64) error {
	for {
		err := t.deleteKey(key)
		if err == errSiblingBusy {
			metrics.BptreeLatchRetries.Inc()
			continue
		}
		return err
	}
}

func isSafeForDelete(t *Tree, n *pager.Node) bool {
	if n.IsLeaf() {
		return len(n.Keys) > t.minLeafKeys()
	}
	return len(n.Children) > t.minChildren()
}

func (t *Tree) deleteKey(key uint64) error {
	stack := &latchStack{}
	cur := pager.RootPageID
	t.latches.AcquireExclusive(cur)
	stack.push(cur, true)

	pinnedPage := pager.NoPage
	pinnedKeyIndex := -1

	for {
		n, err := t.pager.ReadOrEmpty(cur)
		if err != nil {
			t.latches.releaseAll(stack)
			return err
		}

		if n.IsLeaf() {
			idx, ok := findKeyIndex(n.Keys, key)
			if !ok {
				t.latches.releaseAll(stack)
				return ErrKeyNotFound
			}
			n.Keys = removeUint64At(n.Keys, idx)
			n.Values = removeRecordPointerAt(n.Values, idx)

			if idx == 0 && len(n.Keys) > 0 && pinnedPage != pager.NoPage {
				if err := t.updateSeparator(pinnedPage, pinnedKeyIndex, n.Keys[0]); err != nil {
					t.latches.releaseAll(stack)
					return err
				}
			}
			if err := t.pager.WritePage(n); err != nil {
				t.latches.releaseAll(stack)
				return err
			}

			if n.PageID == pager.RootPageID || len(n.Keys) >= t.minLeafKeys() {
				t.latches.releaseAll(stack)
				return nil
			}
			err := t.fixLeafUnderflow(stack, n)
			t.latches.releaseAll(stack)
			return err
		}

		childIdx := findChildIndex(n.Keys, key)
		if childIdx > 0 {
			stack.markTopPermanent()
			pinnedPage = cur
			pinnedKeyIndex = childIdx - 1
		}

		child := n.Children[childIdx]
		t.latches.AcquireExclusive(child)
		childNode, err := t.pager.ReadOrEmpty(child)
		if err != nil {
			t.latches.ReleaseExclusive(child)
			t.latches.releaseAll(stack)
			return err
		}
		if isSafeForDelete(t, childNode) {
			t.latches.releaseAllButPermanent(stack)
		}
		stack.push(child, true)
		cur = child
	}
}

// updateSeparator rewrites the keyIndex'th key of the node at page
// (already held, exclusively, as a pinned ancestor latch) to newKey. It
// implements the in-order-successor fixup spec §4.3 describes: deleting
// a leaf's smallest key invalidates the ancestor separator copy of that
// key, and that ancestor's latch was pinned during descent for exactly
// this purpose (spec §4.3.1, "Pinned locks").
func (t *Tree) updateSeparator(page int32, keyIndex int, newKey uint64) error {
	n, err := t.pager.ReadPage(page)
	if err != nil {
		return err
	}
	n.Keys[keyIndex] = newKey
	return t.pager.WritePage(n)
}

// fixLeafUnderflow repairs leaf (which has already been written with its
// key removed) by borrowing from a sibling or merging with one, using
// the parent found just below leaf on stack.
func (t *Tree) fixLeafUnderflow(stack *latchStack, leaf *pager.Node) error {
	parentIdx := len(stack.pages) - 2
	parentPage := stack.pages[parentIdx]
	parent, err := t.pager.ReadPage(parentPage)
	if err != nil {
		return err
	}
	childIdx := childPosition(parent, leaf.PageID)

	if childIdx > 0 {
		leftPage := parent.Children[childIdx-1]
		if !t.latches.TryAcquireExclusive(leftPage) {
			return errSiblingBusy
		}
		left, err := t.pager.ReadPage(leftPage)
		if err != nil {
			t.latches.ReleaseExclusive(leftPage)
			return err
		}
		if len(left.Keys) > t.minLeafKeys() {
			n := len(left.Keys)
			borrowedKey, borrowedVal := left.Keys[n-1], left.Values[n-1]
			left.Keys = left.Keys[:n-1]
			left.Values = left.Values[:n-1]
			leaf.Keys = insertUint64At(leaf.Keys, 0, borrowedKey)
			leaf.Values = insertRecordPointerAt(leaf.Values, 0, borrowedVal)
			parent.Keys[childIdx-1] = leaf.Keys[0]

			err := writeAll(t, left, leaf, parent)
			t.latches.ReleaseExclusive(leftPage)
			return err
		}
		t.latches.ReleaseExclusive(leftPage)
	}

	if childIdx < len(parent.Children)-1 {
		rightPage := parent.Children[childIdx+1]
		if !t.latches.TryAcquireExclusive(rightPage) {
			return errSiblingBusy
		}
		right, err := t.pager.ReadPage(rightPage)
		if err != nil {
			t.latches.ReleaseExclusive(rightPage)
			return err
		}
		if len(right.Keys) > t.minLeafKeys() {
			borrowedKey, borrowedVal := right.Keys[0], right.Values[0]
			right.Keys = removeUint64At(right.Keys, 0)
			right.Values = removeRecordPointerAt(right.Values, 0)
			leaf.Keys = append(leaf.Keys, borrowedKey)
			leaf.Values = append(leaf.Values, borrowedVal)
			parent.Keys[childIdx] = right.Keys[0]

			err := writeAll(t, right, leaf, parent)
			t.latches.ReleaseExclusive(rightPage)
			return err
		}

		// Merge leaf's right sibling into leaf.
		leaf.Keys = append(leaf.Keys, right.Keys...)
		leaf.Values = append(leaf.Values, right.Values...)
		leaf.Next = right.Next
		if right.Next != pager.NoPage {
			if err := t.fixupPrevAfterRelocate(right.Next, leaf.PageID); err != nil {
				t.latches.ReleaseExclusive(rightPage)
				return err
			}
		}
		parent.Keys = removeUint64At(parent.Keys, childIdx)
		parent.Children = removeInt32At(parent.Children, childIdx+1)

		err := writeAll(t, leaf, parent)
		t.latches.ReleaseExclusive(rightPage)
		if err != nil {
			return err
		}
		return t.propagateUnderflow(stack, parentIdx, parent)
	}

	// No right sibling: merge into the left sibling instead.
	leftPage := parent.Children[childIdx-1]
	if !t.latches.TryAcquireExclusive(leftPage) {
		return errSiblingBusy
	}
	left, err := t.pager.ReadPage(leftPage)
	if err != nil {
		t.latches.ReleaseExclusive(leftPage)
		return err
	}
	left.Keys = append(left.Keys, leaf.Keys...)
	left.Values = append(left.Values, leaf.Values...)
	left.Next = leaf.Next
	if leaf.Next != pager.NoPage {
		if err := t.fixupPrevAfterRelocate(leaf.Next, left.PageID); err != nil {
			t.latches.ReleaseExclusive(leftPage)
			return err
		}
	}
	parent.Keys = removeUint64At(parent.Keys, childIdx-1)
	parent.Children = removeInt32At(parent.Children, childIdx)

	err = writeAll(t, left, parent)
	t.latches.ReleaseExclusive(leftPage)
	if err != nil {
		return err
	}
	return t.propagateUnderflow(stack, parentIdx, parent)
}

// propagateUnderflow checks whether node (already written, located at
// stack.pages[idx]) itself now underflows and, if so, repairs it the
// same way fixLeafUnderflow repairs a leaf, recursing toward the root.
// When node is the root, underflow means it has been reduced to a
// single child, in which case the tree shrinks by one level.
func (t *Tree) propagateUnderflow(stack *latchStack, idx int, node *pager.Node) error {
	if node.PageID == pager.RootPageID {
		if len(node.Children) == 1 {
			return t.shrinkRoot(node.Children[0])
		}
		return nil
	}
	if len(node.Children) >= t.minChildren() {
		return nil
	}
	return t.fixInternalUnderflow(stack, idx, node)
}

// shrinkRoot replaces the root page's content with the sole remaining
// child's content, decreasing tree height by one. The child's old page
// becomes garbage, consistent with the rest of the tree's
// never-reclaimed approach to freed pages.
func (t *Tree) shrinkRoot(onlyChild int32) error {
	child, err := t.pager.ReadPage(onlyChild)
	if err != nil {
		return err
	}
	newRoot := &pager.Node{
		PageID: pager.RootPageID, Kind: child.Kind,
		Keys: child.Keys, Children: child.Children,
		Values: child.Values, Next: child.Next, Prev: child.Prev,
	}
	if err := t.pager.WritePage(newRoot); err != nil {
		return err
	}
	if newRoot.IsLeaf() {
		return nil
	}
	// Re-home every grandchild's implicit "parent is root" assumption is
	// unnecessary: children only ever reference their own page ids, and
	// the tree has no up-pointers, so nothing else needs to change.
	return nil
}

// fixInternalUnderflow repairs an underflowing internal node the same
// way fixLeafUnderflow repairs a leaf: borrow a child+key from a sibling
// through the shared parent separator, or merge with one.
func (t *Tree) fixInternalUnderflow(stack *latchStack, idx int, node *pager.Node) error {
	parentIdx := idx - 1
	parentPage := stack.pages[parentIdx]
	parent, err := t.pager.ReadPage(parentPage)
	if err != nil {
		return err
	}
	childIdx := childPosition(parent, node.PageID)

	if childIdx > 0 {
		leftPage := parent.Children[childIdx-1]
		if !t.latches.TryAcquireExclusive(leftPage) {
			return errSiblingBusy
		}
		left, err := t.pager.ReadPage(leftPage)
		if err != nil {
			t.latches.ReleaseExclusive(leftPage)
			return err
		}
		if len(left.Children) > t.minChildren() {
			n := len(left.Children)
			movedChild := left.Children[n-1]
			left.Children = left.Children[:n-1]
			downKey := left.Keys[len(left.Keys)-1]
			left.Keys = left.Keys[:len(left.Keys)-1]

			node.Keys = insertUint64At(node.Keys, 0, parent.Keys[childIdx-1])
			node.Children = insertInt32At(node.Children, 0, movedChild)
			parent.Keys[childIdx-1] = downKey

			err := writeAll(t, left, node, parent)
			t.latches.ReleaseExclusive(leftPage)
			return err
		}
		t.latches.ReleaseExclusive(leftPage)
	}

	if childIdx < len(parent.Children)-1 {
		rightPage := parent.Children[childIdx+1]
		if !t.latches.TryAcquireExclusive(rightPage) {
			return errSiblingBusy
		}
		right, err := t.pager.ReadPage(rightPage)
		if err != nil {
			t.latches.ReleaseExclusive(rightPage)
			return err
		}
		if len(right.Children) > t.minChildren() {
			movedChild := right.Children[0]
			right.Children = removeInt32At(right.Children, 0)
			downKey := right.Keys[0]
			right.Keys = removeUint64At(right.Keys, 0)

			node.Keys = append(node.Keys, parent.Keys[childIdx])
			node.Children = append(node.Children, movedChild)
			parent.Keys[childIdx] = downKey

			err := writeAll(t, right, node, parent)
			t.latches.ReleaseExclusive(rightPage)
			return err
		}

		// Merge right sibling into node, pulling the separator down.
		node.Keys = append(node.Keys, parent.Keys[childIdx])
		node.Keys = append(node.Keys, right.Keys...)
		node.Children = append(node.Children, right.Children...)

		parent.Keys = removeUint64At(parent.Keys, childIdx)
		parent.Children = removeInt32At(parent.Children, childIdx+1)

		err = writeAll(t, node, parent)
		t.latches.ReleaseExclusive(rightPage)
		if err != nil {
			return err
		}
		return t.propagateUnderflow(stack, parentIdx, parent)
	}

	leftPage := parent.Children[childIdx-1]
	if !t.latches.TryAcquireExclusive(leftPage) {
		return errSiblingBusy
	}
	left, err := t.pager.ReadPage(leftPage)
	if err != nil {
		t.latches.ReleaseExclusive(leftPage)
		return err
	}
	left.Keys = append(left.Keys, parent.Keys[childIdx-1])
	left.Keys = append(left.Keys, node.Keys...)
	left.Children = append(left.Children, node.Children...)

	parent.Keys = removeUint64At(parent.Keys, childIdx-1)
	parent.Children = removeInt32At(parent.Children, childIdx)

	err = writeAll(t, left, parent)
	t.latches.ReleaseExclusive(leftPage)
	if err != nil {
		return err
	}
	return t.propagateUnderflow(stack, parentIdx, parent)
}

func childPosition(parent *pager.Node, page int32) int {
	for i, c := range parent.Children {
		if c == page {
			return i
		}
	}
	return -1
}

func writeAll(t *Tree, nodes ...*pager.Node) error {
	for _, n := range nodes {
		if err := t.pager.WritePage(n); err != nil {
			return err
		}
	}
	return nil
}

func removeUint64At(s []uint64, i int) []uint64 {
	return append(s[:i], s[i+1:]...)
}

func removeInt32At(s []int32, i int) []int32 {
	return append(s[:i], s[i+1:]...)
}

func removeRecordPointerAt(s []heap.RecordPointer, i int) []heap.RecordPointer {
	return append(s[:i], s[i+1:]...)
}
