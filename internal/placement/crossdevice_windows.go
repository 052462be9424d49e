//go:build windows

package placement

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// isCrossDevice reports whether a rename failed because source and target
// live on different volumes.
func isCrossDevice(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_SAME_DEVICE) || errors.Is(err, syscall.EXDEV)
}
