// Package diskspace checks free space on the filesystem that will hold a
// download before any bytes are fetched.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// Check returns an InsufficientSpaceError when the filesystem holding
// targetPath has fewer than requiredBytes available. The parent directory of
// targetPath must exist. If free space cannot be determined (network or
// virtual filesystems) the check passes and the write fails naturally.
func Check(targetPath string, requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	avail, ok := Available(targetPath)
	if !ok {
		return nil
	}
	if avail < requiredBytes {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  requiredBytes,
			AvailableBytes: avail,
		}
	}
	return nil
}

// Available returns the bytes available to the current user on the
// filesystem containing path.
func Available(path string) (int64, bool) {
	return available(filepath.Dir(path))
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError
func IsInsufficientSpaceError(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
