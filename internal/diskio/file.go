// Package diskio provides the fixed-offset file primitives shared by the
// heap file and the B+tree page manager: both are flat files addressed by
// block/page number rather than by growing/shrinking streams.
package diskio

import (
	"fmt"
	"os"
	"sync"
)

// File wraps an *os.File with offset-addressed reads/writes and on-demand
// growth. A single File is safe for concurrent use; callers needing
// higher-level serialization (the heap's "one append at a time" rule, the
// pager's "one page operation at a time" rule) add their own mutex on top,
// matching the "coarse lock suffices" guidance for these components.
type File struct {
	path string
	fp   *os.File

	// growMu serializes Grow calls so two concurrent extensions can't race
	// on the same stat-then-truncate sequence.
	growMu sync.Mutex
}

// Open opens (creating if necessary) the file at path for read/write.
func Open(path string) (*File, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskio: open %s: %w", path, err)
	}
	return &File{path: path, fp: fp}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.fp.Close()
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	return f.fp.Sync()
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	info, err := f.fp.Stat()
	if err != nil {
		return 0, fmt.Errorf("diskio: stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

// ReadAt reads len(buf) bytes starting at offset. A read that returns
// fewer than len(buf) bytes is reported as an error; buf is not padded.
func (f *File) ReadAt(buf []byte, offset int64) error {
	n, err := f.fp.ReadAt(buf, offset)
	if err != nil && n < len(buf) {
		return fmt.Errorf("diskio: read %s at %d: %w", f.path, offset, err)
	}
	return nil
}

// WriteAt writes buf at offset, growing the file first if needed.
func (f *File) WriteAt(buf []byte, offset int64) error {
	if err := f.Grow(offset + int64(len(buf))); err != nil {
		return err
	}
	if _, err := f.fp.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("diskio: write %s at %d: %w", f.path, offset, err)
	}
	return nil
}

// Grow ensures the file is at least minSize bytes, extending it with a
// platform fallocate fast path and falling back to Truncate.
func (f *File) Grow(minSize int64) error {
	f.growMu.Lock()
	defer f.growMu.Unlock()

	size, err := f.Size()
	if err != nil {
		return err
	}
	if size >= minSize {
		return nil
	}
	if err := growFile(f.fp, size, minSize); err != nil {
		return fmt.Errorf("diskio: grow %s to %d: %w", f.path, minSize, err)
	}
	return nil
}
