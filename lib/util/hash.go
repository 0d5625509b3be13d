package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString generates a hash value for a string with a seed.
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution.
// The result is stable across processes, which is required for routing.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// PartitionFor maps a correlation key to one of n partitions (numbered 1..n).
// All subscriptions sharing a correlation key land on the same partition.
func PartitionFor(correlationKey string, n int) uint64 {
	if n <= 1 {
		return 1
	}
	return HashString(correlationKey, 0)%uint64(n) + 1
}
