// Package testing provides standardised tests and benchmarks for
// engines that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A conformance suite for the transaction and snapshot contract
//     (read-your-writes, atomic commit, discard, snapshot isolation, ordered
//     prefix iteration, concurrent readers)
//   - benchmark: Performance tests for commits, point reads and prefix scans
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(t testing.TB) db.KVDB {
//		return NewMyDatabase(t.TempDir())
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
