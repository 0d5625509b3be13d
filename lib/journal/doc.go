// Package journal implements the node-local replicated log: an append-only,
// segmented sequence of framed log entries addressed by position.
//
// Entries are framed with the entry package and stored in segment files as
// [length | frame | crc32] records. Positions start at 1 and are contiguous; the
// term of every entry is recorded in an in-memory index rebuilt on Open.
//
// The journal does not run a consensus protocol itself. The consensus layer (or
// the single node partition in lpartition) supplies the term on Append, moves the
// committed tail with Commit and resolves conflicts with TruncateAfter. Readers
// only ever see committed entries: EntryAt and Range report CodeNotFound beyond
// the committed tail and CodeCorruptEntry for a damaged record, without crashing
// the process.
//
// Recovery: an interrupted append leaves a torn record at the end of the last
// segment, which Open cuts off with a warning. Damage anywhere else is reported
// as CodeCorruptEntry and the journal refuses to open.
package journal
