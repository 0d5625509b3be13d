// Package maple implements an in-memory key-value engine (KVDB) on top of a
// copy-on-write B-tree (github.com/google/btree). It is the default engine of
// dState partitions that keep their state in memory and rebuild it from the
// replicated log or a snapshot on restart.
//
// Key Components:
//
//   - mapleImpl: The engine structure implementing db.KVDB. It holds the
//     published tree, the committed state, behind an atomic pointer.
//
//   - transaction: A lazy clone of the published tree. All Set and Delete
//     operations go to the clone, which shares unchanged nodes with the
//     published tree. Commit swaps the published pointer to the clone, so a
//     transaction becomes visible atomically and a discarded transaction is
//     simply dropped.
//
//   - snapshot: Another clone of the published tree. Since a published tree is
//     never modified again, a snapshot is a consistent point-in-time view that
//     any goroutine can read while new transactions are committed.
//
// Internal Mechanisms:
//
//   - Clone Discipline: btree.Clone updates copy-on-write bookkeeping of the
//     tree it is called on, so every Clone of the published tree happens under
//     a mutex. After the call both trees can be used independently.
//
//   - Conflict Detection: A transaction remembers the tree it was cloned from.
//     If another transaction was committed in the meantime, Commit fails with
//     CodeInvalidOperation. The keyed state store only ever runs one transaction
//     at a time, so this only guards against misuse.
//
//   - Iteration: Snapshot iteration walks the tree directly. Transaction
//     iteration first collects the matching items, which allows the visitor to
//     modify the transaction (e.g. delete the visited keys).
//
//   - Metrics: GetInfo estimates the size of the data from a sample of the
//     entries with util.SizeHistogram.
//
// The engine is not durable: SupportsFeature(db.FeatureDurable) is false. The
// keyed state store persists it through Store.Save and Store.Load instead.
package maple
