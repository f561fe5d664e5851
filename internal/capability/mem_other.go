//go:build !linux && !darwin

package capability

// totalMemory is unknown on this platform; the lowest tier is recommended.
func totalMemory() uint64 { return 0 }
