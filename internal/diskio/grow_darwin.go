//go:build darwin

package diskio

import "os"

// growFile extends fp to newSize. Darwin's fcntl(F_PREALLOCATE) dance isn't
// worth the syscall package juggling here, so this just truncates; the
// heap/pager layers never rely on preallocated bytes being anything but
// zero.
func growFile(fp *os.File, oldSize, newSize int64) error {
	return fp.Truncate(newSize)
}
