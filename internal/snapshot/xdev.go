package snapshot

import (
	"errors"
	"syscall"
)

// isEXDEV reports whether err is the platform's cross-device-link errno,
// the case os.Rename returns when the temp file and target file live on
// different filesystems (common on shared render-farm mounts).
func isEXDEV(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EXDEV
	}
	return false
}
