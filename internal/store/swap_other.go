//go:build !linux

package store

import (
	"errors"
	"os"
)

// swapDirs moves next into place at live, leaving the previous store at
// next. Readers may briefly see no store between the two renames.
func swapDirs(next, live string) error {
	if _, err := os.Stat(live); errors.Is(err, os.ErrNotExist) {
		return os.Rename(next, live)
	}
	return swapByRename(next, live)
}
