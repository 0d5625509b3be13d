// Package util provides small building blocks shared by the engines and the
// partitions.
//
// The package contains:
//   - statistics: A SizeHistogram for estimating value sizes without full scans,
//     used by the engines to fill db.DatabaseInfo
//   - mpsc: A lock-free multi-producer single-consumer queue that feeds the
//     single writer goroutine of a local partition
//   - hash: FNV-1a string hashing used to route correlation keys to partitions
package util
