package downloader

const (
	// DefaultMaxChunks caps how many ranged requests a single download is
	// split into.
	DefaultMaxChunks = 300

	// DefaultRetryCount bounds attempts per chunk. The loop retries a
	// failed chunk up to DefaultRetryCount-1 additional times.
	DefaultRetryCount = 3
)

// planChunks maps a total size onto a chunk count. Sizes in the terabyte,
// gigabyte and megabyte buckets divide into base/3 chunks (base 1000, 100
// and 10 respectively); anything smaller is fetched in one piece. The
// caller cap clamps the result. A zero total returns 0, which the engine
// treats as a cancel trigger.
func planChunks(totalBytes int64, limit int) int {
	if totalBytes == 0 {
		return 0
	}

	buckets := []struct {
		div  int64
		base int
	}{
		{tib, 1000},
		{gib, 100},
		{mib, 10},
		{kib, 0},
		{1, 0},
	}

	for _, b := range buckets {
		if totalBytes < b.div {
			continue
		}

		if b.base == 0 {
			return 1
		}

		n := b.base / 3
		if n > limit {
			n = limit
		}

		return n
	}

	return 1
}

// chunkStart returns the first byte of the 1-based chunk k. Chunk
// boundaries carry a +1 offset after the first chunk; with inclusive HTTP
// ranges the resulting requests are contiguous.
func chunkStart(k int, bytesPerChunk int64) int64 {
	if k == 1 {
		return 0
	}

	return int64(k-1)*bytesPerChunk + 1
}

// chunkEnd returns the last byte of chunk k. The final chunk's end is
// pinned to totalBytes so its request captures any remainder lost to
// integer division.
func chunkEnd(k, chunks int, bytesPerChunk, totalBytes int64) int64 {
	if k == chunks {
		return totalBytes
	}

	end := int64(k) * bytesPerChunk
	if end > totalBytes {
		end = totalBytes
	}

	return end
}
