package lpartition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/journal"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/partition/internal"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/ValentinKolb/dState/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("lpartition")

	submitDuration = metrics.GetOrCreateHistogram("dstate_lpartition_submit_duration_seconds")
	groupedEntries = metrics.GetOrCreateCounter("dstate_lpartition_entries_total")
	replayedTotal  = metrics.GetOrCreateCounter("dstate_lpartition_replayed_entries_total")
)

// ErrClosed is returned by Submit after the partition was closed.
var ErrClosed = status.NewError(status.CodeInvalidOperation, "partition is closed")

const replayChunk = 1024

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a local partition.
type Options struct {
	// Journal configures the journal of the partition (nil = defaults).
	Journal *journal.Options
	// Members is the configuration written to a fresh journal. Empty means a
	// single active member named after the partition id.
	Members []entry.Member
	// MaxBatch is the maximum number of submissions grouped into one entry
	// (0 = 256).
	MaxBatch int
	// Now is the clock for configuration timestamps (nil = time.Now).
	Now func() time.Time
}

// --------------------------------------------------------------------------
// Partition
// --------------------------------------------------------------------------

type request struct {
	commands []partition.Command
	reply    chan response
}

type response struct {
	results []partition.Result
	err     error
}

// Partition is a single node partition. It owns a journal, a store and an
// applier. A single goroutine takes submissions from a lock-free queue,
// appends them to the journal, commits and applies them and replies.
//
// Thread-safety: Submit and all accessors may be called from any goroutine.
type Partition struct {
	id      uint64
	journal *journal.Journal
	state   *partition.State
	applier *partition.Applier
	term    uint64
	opts    Options

	queue     *util.MPSC[request]
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	failed    atomic.Pointer[error]
}

var _ partition.Submitter = (*Partition)(nil)

// Open opens the partition id with its journal in dir and its state in the
// store created by factory.
//
// The journal is replayed into the store (entries the store already applied
// are skipped), then a new term is started with an Initial entry. A fresh
// journal also gets a Configuration entry.
func Open(id uint64, dir string, factory store.DBFactory, opts *Options) (*Partition, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.MaxBatch <= 0 {
		o.MaxBatch = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	j, err := journal.Open(dir, o.Journal)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(factory)
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	state, err := partition.NewState(st)
	if err != nil {
		_ = st.Close()
		_ = j.Close()
		return nil, err
	}

	p := &Partition{
		id:      id,
		journal: j,
		state:   state,
		applier: partition.NewApplier(state),
		opts:    o,
		queue:   util.NewMPSC[request](),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := p.recover(); err != nil {
		_ = st.Close()
		_ = j.Close()
		return nil, err
	}

	go p.run()
	return p, nil
}

// recover replays the journal and starts a new term.
func (p *Partition) recover() error {
	last := p.journal.LastPosition()
	fresh := last == 0

	if !fresh {
		var progress partition.Progress
		err := p.state.Store.View(func(r store.Reader) error {
			var err error
			progress, err = p.state.Progress(r)
			return err
		})
		if err != nil {
			return err
		}
		if progress.AppliedIndex > last {
			return status.Errorf(status.CodeInvalidOperation,
				"partition %d: store applied position %d but journal ends at %d", p.id, progress.AppliedIndex, last)
		}

		// every appended entry of a single node partition is committed
		if err := p.journal.Commit(last); err != nil {
			return err
		}

		from := max(progress.AppliedIndex+1, p.journal.FirstPosition())
		start := time.Now()
		for from <= last {
			records, err := p.journal.Range(from, min(from+replayChunk-1, last))
			if err != nil {
				return err
			}
			for _, rec := range records {
				if _, err := p.applier.Apply(rec.Position, rec.Entry); err != nil {
					return err
				}
			}
			replayedTotal.Add(len(records))
			from += uint64(len(records))
		}
		log.Infof("partition %d: replayed journal up to position %d in %s", p.id, last, time.Since(start))
	}

	p.term = p.journal.LastTerm() + 1
	if _, err := p.appendAndApply(entry.Initial{}); err != nil {
		return err
	}
	if fresh {
		if _, err := p.appendAndApply(p.initialConfiguration()); err != nil {
			return err
		}
	}
	log.Infof("partition %d: started term %d at position %d", p.id, p.term, p.journal.LastPosition())
	return nil
}

func (p *Partition) initialConfiguration() entry.Configuration {
	now := p.opts.Now().UnixMilli()
	members := p.opts.Members
	if len(members) == 0 {
		members = []entry.Member{{ID: fmt.Sprint(p.id), Type: entry.MemberActive, Updated: now}}
	}
	return entry.Configuration{Timestamp: now, Members: members}
}

// appendAndApply appends e in the current term, commits it and applies it.
func (p *Partition) appendAndApply(e entry.Entry) (partition.Outcome, error) {
	position, err := p.journal.Append(p.term, e)
	if err != nil {
		return partition.Outcome{}, err
	}
	if err := p.journal.Commit(position); err != nil {
		return partition.Outcome{}, err
	}
	return p.applier.Apply(position, entry.LogEntry{Term: p.term, Entry: e})
}

// --------------------------------------------------------------------------
// Processing loop
// --------------------------------------------------------------------------

func (p *Partition) run() {
	defer close(p.stopped)

	var batch []*request
	for {
		select {
		case <-p.stop:
			batch = p.queue.Drain(batch[:0], 0)
			for _, req := range batch {
				req.reply <- response{err: ErrClosed}
			}
			return
		case <-p.queue.Ready():
		}

		batch = p.queue.Drain(batch[:0], p.opts.MaxBatch)
		for len(batch) > 0 {
			n := p.group(batch)
			p.process(batch[:n])
			batch = batch[n:]
		}
	}
}

// group returns how many of the leading requests fit into one entry, by
// command count and by encoded size.
func (p *Partition) group(batch []*request) int {
	total, size := 0, 4
	for i, req := range batch {
		total += len(req.commands)
		size += internal.BatchSizeBytes(req.commands) - 4
		if total > internal.MaxBatchSize || size > entry.MaxDataLength {
			return max(i, 1)
		}
	}
	return len(batch)
}

// process appends the commands of reqs as one application entry, applies it
// and hands each request its share of the results.
func (p *Partition) process(reqs []*request) {
	if err := p.Err(); err != nil {
		for _, req := range reqs {
			req.reply <- response{err: err}
		}
		return
	}

	var commands []partition.Command
	for _, req := range reqs {
		commands = append(commands, req.commands...)
	}

	app := entry.Application{Data: partition.EncodeCommands(commands)}
	if _, err := entry.EncodedLength(app); err != nil {
		// nothing was appended, the partition stays usable
		for _, req := range reqs {
			req.reply <- response{err: err}
		}
		return
	}

	out, err := p.appendAndApply(app)
	if err == nil && len(out.Results) != len(commands) {
		err = status.Errorf(status.CodeInternal, "entry %d produced %d results for %d commands", out.Index, len(out.Results), len(commands))
	}
	if err != nil {
		p.fail(err)
		for _, req := range reqs {
			req.reply <- response{err: err}
		}
		return
	}
	groupedEntries.Inc()

	results := out.Results
	for _, req := range reqs {
		n := len(req.commands)
		req.reply <- response{results: results[:n:n]}
		results = results[n:]
	}
}

func (p *Partition) fail(err error) {
	if p.failed.CompareAndSwap(nil, &err) {
		log.Errorf("partition %d halted: %v", p.id, err)
	}
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Submit appends commands as one entry and waits until they are applied.
// Invalid commands are refused with CodeInvalidOperation before anything is
// appended. A cancelled ctx stops the waiting, not the commands: they may still be
// applied.
func (p *Partition) Submit(ctx context.Context, commands ...partition.Command) ([]partition.Result, error) {
	if len(commands) == 0 {
		return nil, nil
	}
	if err := partition.ValidateCommands(commands); err != nil {
		return nil, err
	}
	defer submitDuration.UpdateDuration(time.Now())

	req := &request{commands: commands, reply: make(chan response, 1)}
	if !p.queue.Push(req) {
		return nil, ErrClosed
	}

	select {
	case res := <-req.reply:
		return res.results, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		select {
		case res := <-req.reply:
			return res.results, res.err
		default:
			return nil, ErrClosed
		}
	}
}

// IsActive reports whether the partition accepts submissions. A single node
// partition is always its own leader.
func (p *Partition) IsActive() bool {
	return !p.queue.IsClosed() && p.Err() == nil
}

// Err returns the error that halted the partition, or nil.
func (p *Partition) Err() error {
	if err := p.failed.Load(); err != nil {
		return *err
	}
	return p.applier.Err()
}

// ID returns the partition id.
func (p *Partition) ID() uint64 {
	return p.id
}

// Term returns the term the partition appends in.
func (p *Partition) Term() uint64 {
	return p.term
}

// State returns the domain state of the partition.
func (p *Partition) State() *partition.State {
	return p.state
}

// Journal returns the journal of the partition.
func (p *Partition) Journal() *journal.Journal {
	return p.journal
}

// Close stops the processing loop and closes the journal and the store.
// Pending submissions fail with ErrClosed.
func (p *Partition) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.queue.Close()
		close(p.stop)
		<-p.stopped

		if jErr := p.journal.Close(); jErr != nil {
			err = jErr
		}
		if sErr := p.state.Store.Close(); sErr != nil && err == nil {
			err = sErr
		}
		log.Infof("partition %d closed", p.id)
	})
	return err
}
