// Package correlation implements the dual index correlation store: entities
// that wait for an acknowledgement (e.g. process message subscriptions) are
// kept in a primary index, a persisted deadline index ordered by wake time and
// a transient in-memory mirror of the deadline index.
//
// Indices:
//
//   - Primary (namespace given to New): (scopeId, name) -> Entity. This is the
//     only source of truth for entity content.
//
//   - Deadline (namespace given to New): (sentTime, scopeId, name) -> empty. A
//     row exists if and only if the primary record has CommandSentTime > 0.
//     The index is written by a single private code path: when the wake time
//     changes from previous to updated, the previous row is deleted and the
//     updated row is inserted in the same transition; nothing is written when
//     both are equal, and 0 stands for "no row".
//
//   - Transient cache: every entity in state OPENING or CLOSING, ordered by
//     (wake time, primary key) in a github.com/google/btree. It has no
//     durability of its own. New and Reload rebuild it by scanning the primary
//     index once. Changes made during a transition reach the cache through
//     store.Txn.OnCommit hooks, so a discarded transition never shows up in it.
//
// Lifecycle of an entity:
//
//	Put                 -> OPENING, wake time set
//	TransitionToOpened  -> OPENED,  wake time cleared, evicted from the cache
//	TransitionToClosing -> CLOSING, wake time set
//	Remove              -> gone,    deadline row deleted, evicted from the cache
//
// The deadline scanner calls VisitDue with now - retryTimeout to find the
// entities whose command has to be sent again, and UpdateSentTime after it
// re-issued the command, so the entity is not picked up again on the next
// tick.
//
// Thread-safety: MutableState methods must only be called by the single writer
// of the partition, inside store.Store.Update. TransientState methods are safe
// for concurrent use; VisitDue visits a copy taken under the cache lock.
package correlation
