// Package lpartition implements a local, single-node partition. It is the
// smallest complete setup of dState: a journal on local disk, a store and the
// partition applier, driven by one goroutine.
//
// Key Features:
//   - Durable command log (lib/journal) with crash recovery
//   - Replay of the journal into the store on open, skipping entries a
//     durable store has already applied
//   - Group commit: submissions that queue up while an entry is being applied
//     are appended together as one application entry
//   - Lock-free submission queue (util.MPSC), so Submit never blocks on the
//     processing goroutine
//
// Implementation Details:
//
//   - Terms: every Open starts a new term (last term + 1) with an Initial
//     entry. A fresh journal additionally gets a Configuration entry with the
//     configured members.
//
//   - Commit: a single node is its own quorum, every appended entry is
//     committed right away. On open, everything found in the journal is
//     committed before it is replayed.
//
//   - Failure: an error while appending or applying halts the partition. All
//     later submissions fail with the same error and IsActive reports false,
//     which also stops the deadline scanner.
//
// Thread Safety:
//
//	Submit, IsActive and the accessors are safe for concurrent use. Journal
//	writes and state transitions only happen on the processing goroutine.
//
// Usage Example:
//
//	factory := func() (db.KVDB, error) { return pebble.NewPebbleDB(&pebble.DBOptions{Dir: "data/state"}) }
//	p, err := lpartition.Open(1, "data/journal", factory, nil)
//	if err != nil { ... }
//	defer p.Close()
//
//	results, err := p.Submit(ctx, partition.ResolveIncident(42))
package lpartition
