//go:build unix

package journal

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the first size bytes of f read-only for a sequential scan.
func mapFile(f *os.File, size int) ([]byte, func() error, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	// ENOSYS still leaves a working mapping
	if err := unix.Madvise(b, unix.MADV_SEQUENTIAL); err != nil && !errors.Is(err, unix.ENOSYS) {
		unix.Munmap(b)
		return nil, nil, fmt.Errorf("madvise(MADV_SEQUENTIAL): %w", err)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
