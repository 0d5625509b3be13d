package util

import (
	"sync"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are exponential bucket boundaries from 16 bytes to 4 MiB,
// the maximum size of an application payload.
var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096, // Bytes: 16B to 4KB
	16384, 65536, 262144, 1048576, 4194304, // KB range: 16KB to 4MB
}

// SizeHistogram tracks the distribution of value sizes.
// It organizes sizes into buckets so that an engine can report a size
// estimate from a sample without scanning the whole keyspace.
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64 // Count of items in each bucket, the last one holds larger values
	count   int64   // Total number of samples
	sum     int64   // Sum of all sampled sizes
}

// NewSizeHistogram creates an empty size histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		buckets: make([]int64, len(sizeBoundaries)+1),
	}
}

// AddSample adds a size sample to the histogram
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucket := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			bucket = i
			break
		}
	}

	h.buckets[bucket]++
	h.count++
	h.sum += int64(size)
}

// Count returns the total number of samples
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average size across all samples
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// MedianEstimate estimates the median size from the bucket counts
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) MedianEstimate() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}

	half := (h.count + 1) / 2
	var cumulative int64
	for i, count := range h.buckets {
		cumulative += count
		if cumulative < half {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			return sizeBoundaries[len(sizeBoundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// EstimateTotal extrapolates the total size of n entries from the samples.
// Every entry is charged an additional overhead (key and bookkeeping). The
// estimate weights the median with 60% and the average with 40%.
func (h *SizeHistogram) EstimateTotal(n int, overhead int) int {
	if n == 0 {
		return 0
	}
	perEntry := ((h.MedianEstimate()+overhead)*60 + (h.AverageSize()+overhead)*40) / 100
	return perEntry * n
}
