// Package db provides a standardized interface for ordered key-value engines.
// It defines the KVDB interface that the keyed state store (lib/store) is built
// on, so that the store can switch between an in-memory and a durable engine
// without code changes.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all engines must satisfy. Writes
//     happen exclusively through transactions (NewTransaction), consistent reads
//     through snapshots (NewSnapshot).
//
//   - Transaction: Buffers Set and Delete operations and publishes them
//     atomically on Commit. Reads inside a transaction see the transaction's own
//     writes. A discarded transaction leaves no trace.
//
//   - Snapshot: A read-only point-in-time view. Snapshots may be read from any
//     goroutine while the single writer commits new transactions.
//
//   - Feature Flags: The Feature type defines capability flags that engines
//     advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure reports engine type, an
//     estimated size and engine specific metadata.
//
// Keys and values are opaque byte slices. Iterate visits keys with a common
// prefix in ascending byte order; lib/store encodes its composite keys so that
// byte order matches the logical order of the key components.
//
// Related Packages:
//
// The engines/maple package (github.com/ValentinKolb/dState/lib/db/engines/maple)
// provides an in-memory engine based on a copy-on-write B-tree. A transaction
// works on a clone of the tree and publishes it with a single pointer swap.
//
// The engines/pebble package (github.com/ValentinKolb/dState/lib/db/engines/pebble)
// provides a durable engine backed by cockroachdb/pebble indexed batches.
//
// The testing package (github.com/ValentinKolb/dState/lib/db/testing) provides
// a conformance suite that every engine runs:
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
