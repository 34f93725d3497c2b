//go:build !linux

package resources

// availableMemory has no portable source outside Linux; callers fall back to
// fallbackMemory.
func availableMemory() uint64 {
	return 0
}
