package store

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// swapDirs moves next into place at live in one step. An existing live
// directory is exchanged atomically with next, so next ends up holding the
// previous store. Filesystems without RENAME_EXCHANGE fall back to two
// renames.
func swapDirs(next, live string) error {
	err := unix.Renameat2(unix.AT_FDCWD, next, unix.AT_FDCWD, live, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		if _, statErr := os.Stat(live); errors.Is(statErr, os.ErrNotExist) {
			return os.Rename(next, live)
		}
		return err
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
		return swapByRename(next, live)
	default:
		return err
	}
}
