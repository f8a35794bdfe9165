package pager

import (
	"fmt"
	"sync"

	"github.com/kallevig/ferrokv/internal/diskio"
)

// Manager reads, writes, and allocates fixed-size pages in the B+tree's
// index file. All four operations take the same mutex to serialize file
// I/O; node parsing itself is thread-local on the returned bytes (spec
// §4.2).
type Manager struct {
	file     *diskio.File
	pageSize int
	mu       sync.Mutex
}

// Open opens or creates the index file at path with the given page size.
func Open(path string, pageSize int) (*Manager, error) {
	f, err := diskio.Open(path)
	if err != nil {
		return nil, err
	}
	return &Manager{file: f, pageSize: pageSize}, nil
}

// Close closes the underlying file.
func (m *Manager) Close() error {
	return m.file.Close()
}

// PageSize returns the fixed page size P.
func (m *Manager) PageSize() int { return m.pageSize }

func (m *Manager) offset(id int32) int64 {
	return int64(id) * int64(m.pageSize)
}

// ReadPage seeks to page_id*P, reads P bytes, and deserializes the node.
func (m *Manager) ReadPage(id int32) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPageLocked(id)
}

func (m *Manager) readPageLocked(id int32) (*Node, error) {
	buf := make([]byte, m.pageSize)
	if err := m.file.ReadAt(buf, m.offset(id)); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", id, err)
	}
	return Decode(buf, id)
}

// ReadOrEmpty behaves like ReadPage but returns a fresh empty leaf (with
// PageID set to id) if the file has no bytes at that offset yet. The
// B+tree's descents read every page through it, not only page 0, so any
// page past the end of the file reads as an empty leaf, not an error.
func (m *Manager) ReadOrEmpty(id int32) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, err := m.file.Size()
	if err != nil {
		return nil, err
	}
	if size < m.offset(id)+int64(m.pageSize) {
		n := NewLeaf()
		n.PageID = id
		return n, nil
	}
	return m.readPageLocked(id)
}

// WritePage serializes n (which must already have a page id) and writes
// it at its page's offset, padded to pageSize.
func (m *Manager) WritePage(n *Node) error {
	if n.PageID == NoPage {
		return fmt.Errorf("pager: WritePage on node with no page id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePageLocked(n)
}

func (m *Manager) writePageLocked(n *Node) error {
	buf, err := Encode(n, m.pageSize)
	if err != nil {
		return err
	}
	if err := m.file.WriteAt(buf, m.offset(n.PageID)); err != nil {
		return fmt.Errorf("pager: write page %d: %w", n.PageID, err)
	}
	return nil
}

// pageCountLocked returns the number of whole pages currently on disk.
func (m *Manager) pageCountLocked() (int32, error) {
	size, err := m.file.Size()
	if err != nil {
		return 0, err
	}
	return int32(size / int64(m.pageSize)), nil
}

// Allocate appends a zero-padded page at end-of-file, assigns the next
// page id to n, writes it, and returns n with PageID set.
func (m *Manager) Allocate(n *Node) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.pageCountLocked()
	if err != nil {
		return nil, err
	}
	// Page 0 is reserved for the root even before it's ever been
	// written; the first allocation past bootstrap must not collide
	// with it.
	if count == 0 {
		count = RootPageID + 1
	}
	n.PageID = count
	if err := m.writePageLocked(n); err != nil {
		return nil, err
	}
	return n, nil
}
