// Package partition implements the state machine of a dState partition: it
// applies committed log entries to the keyed state store and keeps the
// subscription deadlines moving.
//
// Architecture:
//
//   - State: the store of the partition and the correlation store of the
//     process message subscriptions kept in it. The namespaces are listed in
//     state.go (meta, subscriptions, subscription deadlines, incidents,
//     correlations).
//
//   - Applier: decodes one committed entry and applies it in one store
//     transition. Initial entries record the term, Configuration entries the
//     membership, Application entries carry a batch of commands that are
//     dispatched to their processors.
//
//   - Processors: one function per command type, registered in a table. A
//     processor either changes the state or rejects the command. Rejections
//     are ordinary results (e.g. resolving an unknown incident yields
//     CodeNotFound) and are returned to the submitter.
//
//   - Scanner: periodically collects the subscriptions whose command was not
//     acknowledged within the retry timeout and submits a RetrySubscription
//     command for them.
//
// The two partition flavours live in sub packages: lpartition runs a
// partition on a local journal, dpartition runs it as a dragonboat state
// machine replicated with raft. Both implement Submitter.
//
// Positions:
//
//	The applier keeps two counters in the meta namespace, written in the same
//	transition as the entry itself:
//
//	- appliedIndex: the last applied log position. Entries at or below it are
//	  skipped, which makes replaying a journal on top of a durable store safe.
//
//	- lastProcessedPosition: the last stream position. Every command gets a
//	  stream position. An application entry either carries the positions of its
//	  commands (LowestPosition..HighestPosition) or leaves them to the applier
//	  (LowestPosition == 0), which assigns them from the counter. Commands at or
//	  below the counter were processed before and are skipped.
//
// Error handling:
//
//	An entry that cannot be decoded, a command without processor, a processor
//	error and every storage failure are fatal. The transition is discarded, the
//	applier halts and returns the same error for every later entry. Skipping an
//	entry would let replicas diverge, so there is no way to continue.
//
// Usage Example:
//
//	st, _ := store.Open(func() (db.KVDB, error) { return maple.NewMapleDB(nil), nil })
//	state, _ := partition.NewState(st)
//	applier := partition.NewApplier(state)
//
//	data := partition.EncodeCommands([]partition.Command{
//	    partition.OpenSubscription(5, "order-created", 42, "order-1", time.Now().UnixMilli(), nil),
//	})
//	out, err := applier.Apply(1, entry.LogEntry{Term: 1, Entry: entry.Application{Data: data}})
package partition
