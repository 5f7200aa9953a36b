package journal

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync skips the metadata flush of f.Sync. Errors are not recoverable:
// the kernel may already have dropped the dirty pages.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
