// Package dpartition runs a dState partition as a dragonboat state machine, so
// its log is replicated across several nodes with raft.
//
// Architecture:
//
//   - Partition: the proposer. It frames a batch of commands as one
//     application log entry, stamps it with the term of the current leader and
//     proposes it with SyncPropose. The per-command results come back in the
//     sm.Result of the raft entry. It implements partition.Submitter, so the
//     deadline scanner can run on top of it (only on the leader, see IsActive).
//
//   - StateMachine: a dragonboat IConcurrentStateMachine that owns the store of
//     one replica. Update hands every raft entry to a partition.Applier, the
//     raft index is used as the log position of the entry.
//
//   - Registry: keeps the state machines created by the factory, so the
//     server can reach the deadline cache of a local replica.
//
// Consensus Model:
//
//	Writes are linearizable: an entry is applied on every replica in the same
//	order once a majority persisted it. A rejected command is a normal result
//	and travels back to the submitter. An entry that cannot be applied (corrupt
//	frame, storage failure) makes Update return an error, which stops the
//	replica. It can neither skip nor retry the entry.
//
// Read Operations:
//
//	Subscription, Incident and Progress use SyncRead by default and StaleRead
//	when stale is set. DBInfo always reads the local replica.
//
// Snapshots:
//
//	PrepareSnapshot takes a point-in-time checkpoint of the store, SaveSnapshot
//	streams it to dragonboat and releases it. RecoverFromSnapshot replaces the
//	whole store and rebuilds the deadline cache from the restored subscriptions.
//
// Usage Example:
//
//	registry := dpartition.NewRegistry()
//	factory := dpartition.CreateStateMachineFactory(dbFactory, registry)
//	_ = nh.StartConcurrentReplica(members, false, factory, raftConfig)
//
//	p := dpartition.NewPartition(nh, shardID, replicaID, 5*time.Second)
//	results, err := p.Submit(ctx, partition.CreateIncident(7, data))
package dpartition
