// Package store provides the keyed state store of a partition: a transactional
// view over a db.KVDB engine with namespaces, typed composite keys and
// snapshot based persistence.
//
// The package focuses on:
//   - Atomic state transitions (Store.Update) with commit hooks
//   - Consistent reads from any goroutine (Store.View)
//   - Ordered composite keys that allow prefix scans (Key, KeyReader)
//   - Streaming the whole state into and out of a compressed dump (Save, Load)
//   - Pluggable storage backends through the DBFactory pattern
//
// Key Components:
//
//   - Namespace: Separates independent keyspaces (column families), e.g. the
//     primary and the deadline index of the correlation store. Every engine key
//     starts with the two byte namespace id.
//
//   - Key: A composite key built with NewKey().WithInt64(..).WithString(..).
//     The encoding preserves component order, so ScanPrefix with the leading
//     components of a key visits exactly the keys sharing them, and integer
//     components sort numerically (negative values included).
//
//   - Txn: One state transition. It implements Reader and Writer. Reads see the
//     writes made earlier in the same transition. OnCommit registers hooks that
//     run only after a successful commit; derived in-memory structures (like the
//     transient deadline cache) are updated through them, so they never reflect
//     a discarded transition.
//
//   - Save / Load: The dump format is a small header followed by a zstd
//     (github.com/klauspost/compress) compressed record stream. Save reads from
//     a snapshot; Load replaces the state in one transaction. This is what the
//     distributed partition uses for raft snapshots.
//
// Error handling: every fallible operation returns (T, error). Absent keys are
// reported as status.ErrNotFound (check with errors.Is or status.IsNotFound),
// engine failures as status.ErrStorageUnavailable and a malformed key or dump
// as status.ErrCorruptEntry.
//
// Thread-safety: There is exactly one writer. Update and Load are serialized
// by the store; View and Save may run concurrently with them.
package store
