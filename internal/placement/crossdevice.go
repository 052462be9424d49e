//go:build !windows

package placement

import (
	"errors"
	"syscall"
)

// isCrossDevice reports whether a rename failed because source and target
// live on different filesystems.
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
