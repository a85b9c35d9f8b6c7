package decay

import "github.com/klauspost/cpuid/v2"

// SweepChunkSize picks a GC/LUT-refresh sweep chunk size from the detected
// cache line size, so a full GC pass processes lineages in cache-friendly
// batches rather than one at a time. Detection only — no hand-written SIMD.
func SweepChunkSize() int {
	line := cpuid.CPU.CacheLine
	if line <= 0 {
		return 64
	}
	// One float32 energy value is 4 bytes; size a chunk to a handful of
	// cache lines' worth of values.
	chunk := (line * 4) / 4
	if chunk < 32 {
		return 32
	}
	return chunk
}
