package dpartition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/partition/internal"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("dpartition")

	proposeDuration = metrics.GetOrCreateHistogram("dstate_dpartition_propose_duration_seconds")
	busyRetries     = metrics.GetOrCreateCounter("dstate_dpartition_busy_retries_total")
)

// Partition submits commands to a partition replicated with raft. Every
// submission is proposed as one raft entry holding an application log entry.
//
// Thread-safety: Partition is safe for concurrent use.
type Partition struct {
	nh        *dragonboat.NodeHost
	shardID   uint64
	replicaID uint64
	cs        *client.Session
	timeout   time.Duration
}

var _ partition.Submitter = (*Partition)(nil)

// NewPartition creates a proposer for the shard shardID on nh. replicaID is
// the id of the local replica, it decides whether this node is the leader.
func NewPartition(nh *dragonboat.NodeHost, shardID, replicaID uint64, timeout time.Duration) *Partition {
	return &Partition{
		nh:        nh,
		shardID:   shardID,
		replicaID: replicaID,
		cs:        nh.GetNoOPSession(shardID),
		timeout:   timeout,
	}
}

// ID returns the shard id of the partition.
func (p *Partition) ID() uint64 {
	return p.shardID
}

// --------------------------------------------------------------------------
// Internal write and read operations
// --------------------------------------------------------------------------

// propose sends one framed entry via SyncPropose, retrying while the system is busy.
func (p *Partition) propose(ctx context.Context, frame []byte) ([]internal.Result, error) {
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		res, err := p.nh.SyncPropose(pctx, p.cs, frame)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			busyRetries.Inc()
			select {
			case <-time.After(p.timeout / 10):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if err != nil {
			return nil, status.Wrap(status.CodeInternal, err, "propose")
		}
		if res.Value != uint64(status.CodeSuccess) {
			return nil, status.NewError(status.Code(res.Value), string(res.Data))
		}
		results, err := internal.DeserializeResults(res.Data)
		if err != nil {
			return nil, status.Wrap(status.CodeInternal, err, "decode results")
		}
		return results, nil
	}
	return nil, status.NewError(status.CodeInternal, "timeout")
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// SyncRead is used by default. If linearizability is not required, stale can
// be set to true to use the faster StaleRead function.
func read[R any](p *Partition, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		if stale {
			res, err = p.nh.StaleRead(p.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			res, err = p.nh.SyncRead(ctx, p.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			busyRetries.Inc()
			time.Sleep(p.timeout / 10)
			continue
		}

		if err != nil {
			var se *status.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, status.Wrap(status.CodeInternal, err, "read")
		}

		casted, ok := res.(R)
		if !ok {
			return zero, status.NewError(status.CodeInternal,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, status.NewError(status.CodeInternal, "timeout")
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Submit proposes commands as one application entry and waits until it is
// applied by the local replica. The entry is stamped with the current leader
// term; positions are assigned by the state machine. Invalid commands are
// refused before they are proposed.
func (p *Partition) Submit(ctx context.Context, commands ...partition.Command) ([]partition.Result, error) {
	if len(commands) == 0 {
		return nil, nil
	}
	if err := partition.ValidateCommands(commands); err != nil {
		return nil, err
	}
	defer proposeDuration.UpdateDuration(time.Now())

	_, term, _, err := p.nh.GetLeaderID(p.shardID)
	if err != nil {
		return nil, status.Wrap(status.CodeInternal, err, "leader lookup")
	}
	frame, err := entry.Marshal(term, entry.Application{Data: partition.EncodeCommands(commands)})
	if err != nil {
		return nil, err
	}

	raw, err := p.propose(ctx, frame)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(commands) {
		return nil, status.Errorf(status.CodeInternal, "entry produced %d results for %d commands", len(raw), len(commands))
	}

	results := make([]partition.Result, len(raw))
	for i, r := range raw {
		results[i] = partition.Result{
			Position: r.Position,
			Command:  commands[i].Type,
			Code:     status.Code(r.Code),
			Message:  r.Message,
		}
	}
	return results, nil
}

// IsActive reports whether the local replica is the leader of the shard. Only
// the leader runs the deadline scanner.
func (p *Partition) IsActive() bool {
	leaderID, _, valid, err := p.nh.GetLeaderID(p.shardID)
	return err == nil && valid && leaderID == p.replicaID
}

// Subscription returns the subscription (scopeID, name).
func (p *Partition) Subscription(scopeID int64, name string, stale bool) (correlation.Entity, error) {
	return read[correlation.Entity](p, internal.Query{
		Type:    internal.QueryTGetSubscription,
		ScopeID: scopeID,
		Name:    name,
	}, stale)
}

// Incident returns the data of the incident key.
func (p *Partition) Incident(key int64, stale bool) ([]byte, error) {
	return read[[]byte](p, internal.Query{Type: internal.QueryTGetIncident, Key: key}, stale)
}

// Progress returns the applied log position and the last stream position.
func (p *Partition) Progress(stale bool) (partition.Progress, error) {
	return read[partition.Progress](p, internal.Query{Type: internal.QueryTProgress}, stale)
}

// DBInfo returns metadata about the database of the local replica.
func (p *Partition) DBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](p, internal.Query{Type: internal.QueryTGetDBInfo}, true)
}
