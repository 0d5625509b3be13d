// Package pebble implements a durable key-value engine (KVDB) on top of
// cockroachdb/pebble, an LSM storage engine.
//
// A transaction is a pebble indexed batch: reads inside the transaction see its
// own writes, Commit applies the batch atomically (optionally with a WAL sync)
// and Discard closes it without applying anything. A snapshot is a pebble
// snapshot and therefore a consistent point-in-time view.
//
// With DBOptions.InMemory the engine runs on an in-memory file system
// (vfs.NewMem), which is what the tests use. pebble's own log output is routed
// through the dragonboat logger used everywhere else in dState.
package pebble
