package dpartition

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/partition/internal"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry keeps track of the state machines created on this node, so the
// local state of a shard (e.g. its deadline cache) can be reached from outside
// dragonboat.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	machines *xsync.MapOf[uint64, *StateMachine]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{machines: xsync.NewMapOf[uint64, *StateMachine]()}
}

// Get returns the state machine of shardID on this node.
func (r *Registry) Get(shardID uint64) (*StateMachine, bool) {
	return r.machines.Load(shardID)
}

// Len returns the number of registered state machines.
func (r *Registry) Len() int {
	return r.machines.Size()
}

// Subscriptions returns the deadline cache of shardID. The state machine is
// looked up on every call: dragonboat creates it asynchronously and may
// replace it. Before it exists nothing is due.
func (r *Registry) Subscriptions(shardID uint64) correlation.TransientState {
	return registryView{registry: r, shardID: shardID}
}

type registryView struct {
	registry *Registry
	shardID  uint64
}

func (v registryView) VisitDue(before int64, fn func(e correlation.DueEntry) bool) {
	if fsm, ok := v.registry.Get(v.shardID); ok {
		fsm.state.Subscriptions.VisitDue(before, fn)
	}
}

func (v registryView) UpdateSentTime(key correlation.PrimaryKey, sentTime int64) bool {
	if fsm, ok := v.registry.Get(v.shardID); ok {
		return fsm.state.Subscriptions.UpdateSentTime(key, sentTime)
	}
	return false
}

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is the dragonboat state machine of one partition replica. Every
// raft entry carries one framed log entry that is handed to the applier.
type StateMachine struct {
	replicaID uint64
	shardID   uint64
	state     *partition.State
	applier   *partition.Applier
	registry  *Registry
}

var _ sm.IConcurrentStateMachine = (*StateMachine)(nil)

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory.
// Every created state machine is added to registry (may be nil).
func CreateStateMachineFactory(dbFactory store.DBFactory, registry *Registry) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		fsm, err := NewStateMachine(shardID, replicaID, dbFactory)
		if err != nil {
			// dragonboat offers no way to fail the creation of a state machine
			log.Panicf("failed to create state machine for shard %d replica %d: %v", shardID, replicaID, err)
		}
		if registry != nil {
			fsm.registry = registry
			registry.machines.Store(shardID, fsm)
		}
		return fsm
	}
}

// NewStateMachine creates the state machine of replica replicaID of shard
// shardID with its state in a store created by dbFactory.
func NewStateMachine(shardID, replicaID uint64, dbFactory store.DBFactory) (*StateMachine, error) {
	st, err := store.Open(dbFactory)
	if err != nil {
		return nil, err
	}
	state, err := partition.NewState(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &StateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		state:     state,
		applier:   partition.NewApplier(state),
	}, nil
}

// State returns the partition state of the replica. Writes must only happen
// through raft.
func (fsm *StateMachine) State() *partition.State {
	return fsm.state
}

// Subscriptions returns the deadline cache of the replica.
func (fsm *StateMachine) Subscriptions() correlation.TransientState {
	return fsm.state.Subscriptions
}

// Lookup handles read-only queries by mapping each Query to the corresponding state read.
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, status.NewError(status.CodeInternal, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTGetSubscription:
		var e correlation.Entity
		err := fsm.state.Store.View(func(r store.Reader) error {
			var err error
			e, err = fsm.state.Subscriptions.Get(r, correlation.PrimaryKey{ScopeID: q.ScopeID, Name: q.Name})
			return err
		})
		return e, err
	case internal.QueryTGetIncident:
		var incident []byte
		err := fsm.state.Store.View(func(r store.Reader) error {
			var err error
			incident, err = fsm.state.Incident(r, q.Key)
			return err
		})
		return incident, err
	case internal.QueryTProgress:
		var p partition.Progress
		err := fsm.state.Store.View(func(r store.Reader) error {
			var err error
			p, err = fsm.state.Progress(r)
			return err
		})
		return p, err
	case internal.QueryTGetDBInfo:
		return fsm.state.Store.Engine().GetInfo(), nil
	default:
		return nil, status.NewError(status.CodeInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies committed raft entries. Each entry holds one framed log
// entry; the results of its commands are returned in the entry's Result.
//
// A failure to apply an entry is returned as an error, which makes dragonboat
// stop the replica: the entry can neither be skipped nor retried.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		out, err := fsm.applier.ApplyFrame(e.Index, e.Cmd)
		if err != nil {
			return nil, fmt.Errorf("shard %d replica %d: %w", fsm.shardID, fsm.replicaID, err)
		}

		results := make([]internal.Result, len(out.Results))
		for i, r := range out.Results {
			results[i] = internal.Result{Position: r.Position, Code: uint64(r.Code), Message: r.Message}
		}
		entries[idx].Result = sm.Result{
			Value: uint64(status.CodeSuccess),
			Data:  internal.SerializeResults(results),
		}
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		log.Infof("State machine of shard %d took long to update. Batch updated %d entries, took %.2fms",
			fsm.shardID, len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot captures the state at the current applied index. dragonboat
// never runs it concurrently with Update.
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.state.Store.Checkpoint()
}

// SaveSnapshot writes the state captured by PrepareSnapshot to the writer.
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	cp, ok := ctx.(*store.Checkpoint)
	if !ok {
		return status.NewError(status.CodeInternal, fmt.Sprintf("invalid snapshot context type: %T", ctx))
	}
	defer cp.Close()
	return cp.Save(writer)
}

// RecoverFromSnapshot replaces the state with the snapshot and rebuilds the
// deadline cache from it.
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	if err := fsm.state.Store.Load(r); err != nil {
		return err
	}
	return fsm.state.Reload()
}

// Close performs any necessary cleanup.
func (fsm *StateMachine) Close() error {
	if fsm.registry != nil {
		fsm.registry.machines.Compute(fsm.shardID, func(current *StateMachine, loaded bool) (*StateMachine, bool) {
			// only remove ourselves, a restarted replica may already be registered
			return current, !loaded || current == fsm
		})
	}
	return fsm.state.Store.Close()
}
