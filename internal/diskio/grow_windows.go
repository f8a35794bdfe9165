//go:build windows

package diskio

import "os"

// growFile extends fp to newSize via Truncate; Windows has no portable
// fallocate equivalent exposed through os/syscall that's worth wiring here.
func growFile(fp *os.File, oldSize, newSize int64) error {
	return fp.Truncate(newSize)
}
