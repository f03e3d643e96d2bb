package cloudqueue

import "github.com/shirou/gopsutil/mem"

// MinFreeBytesForTLS is the host-memory analog of the firmware's
// MIN_HEAP_FOR_TLS floor (spec §4.9, §7 MemoryError): below this, cloud
// calls are skipped rather than attempted, and the skip is not reported as
// an error.
const MinFreeBytesForTLS = 30 * 1024

// memoryAvailable reports whether free memory is currently at or above
// MinFreeBytesForTLS. Any error reading host memory stats is treated as
// "available" — this guard exists to shed load under real pressure, not to
// fail calls because /proc is momentarily unreadable.
func memoryAvailable() bool {
	v, err := mem.VirtualMemory()
	if err != nil {
		return true
	}
	return v.Available >= MinFreeBytesForTLS
}
