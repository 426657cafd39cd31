//go:build !linux

package readyq

// NewLinuxMemoryPressure is unavailable outside Linux (no /proc/meminfo);
// it returns a MemoryPressureFunc that always reports no pressure so
// callers can wire it unconditionally regardless of target OS.
func NewLinuxMemoryPressure(floorKB uint64) MemoryPressureFunc {
	return func() bool { return false }
}
