//go:build linux || freebsd || openbsd || netbsd || solaris

package diskio

import (
	"os"
	"syscall"
)

// growFile extends fp to newSize using fallocate where available, falling
// back to a plain truncate (which leaves a sparse hole on most unix
// filesystems, which is fine: the heap/pager always write their own
// headers and slot directories before anyone reads a fresh block).
func growFile(fp *os.File, oldSize, newSize int64) error {
	if err := syscall.Fallocate(int(fp.Fd()), 0, oldSize, newSize-oldSize); err != nil {
		return fp.Truncate(newSize)
	}
	return nil
}
