package partition

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("partition")

	appliedEntries  = metrics.GetOrCreateCounter("dstate_partition_applied_entries_total")
	skippedEntries  = metrics.GetOrCreateCounter("dstate_partition_skipped_entries_total")
	appliedCommands = metrics.GetOrCreateCounter("dstate_partition_applied_commands_total")
	rejections      = metrics.GetOrCreateCounter("dstate_partition_rejected_commands_total")
	fatalHalts      = metrics.GetOrCreateCounter("dstate_partition_fatal_halts_total")
	applyDuration   = metrics.GetOrCreateHistogram("dstate_partition_apply_duration_seconds")
)

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// Result is the outcome of one command. A rejected command is a normal result
// (Code != status.CodeSuccess), not an error.
type Result struct {
	Position int64       // Stream position of the command
	Command  CommandType // Type of the command
	Code     status.Code // status.CodeSuccess or the reason of the rejection
	Message  string      // Rejection reason
}

// Rejected reports whether the command was rejected by its processor.
func (r Result) Rejected() bool {
	return r.Code != status.CodeSuccess
}

func (r Result) String() string {
	if !r.Rejected() {
		return fmt.Sprintf("%d %s: applied", r.Position, r.Command)
	}
	return fmt.Sprintf("%d %s: rejected (%s): %s", r.Position, r.Command, r.Code, r.Message)
}

// Outcome is the outcome of applying one log entry.
type Outcome struct {
	Index   uint64   // Log position of the entry
	Skipped bool     // The entry was applied before and has been skipped
	Results []Result // One result per command of an application entry
}

// --------------------------------------------------------------------------
// Processors
// --------------------------------------------------------------------------

// Context is passed to a processor. All changes must be made through Tx.
type Context struct {
	Tx       *store.Txn
	State    *State
	Term     uint64 // Term of the entry being applied
	Position int64  // Stream position of the command
}

// Processor applies one command. A returned error is fatal to the partition;
// a rejection must be reported through the Result.
type Processor func(ctx *Context, cmd *Command) (Result, error)

func accept() (Result, error) {
	return Result{Code: status.CodeSuccess}, nil
}

func reject(code status.Code, format string, args ...interface{}) (Result, error) {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}, nil
}

// --------------------------------------------------------------------------
// Applier
// --------------------------------------------------------------------------

// Applier applies committed log entries to the partition state. Every entry is
// applied in one store transition together with the bookkeeping of the
// applier, so a crash never leaves half an entry behind.
//
// A failure to decode or store an entry is fatal: the applier halts and every
// later call returns the same error. Skipping the entry would let replicas
// diverge.
//
// Thread-safety: Apply must only be called by the single writer of the
// partition. Err may be called from any goroutine.
type Applier struct {
	state      *State
	processors map[CommandType]Processor

	mu     sync.RWMutex
	halted error
}

// NewApplier creates an applier for state with the built-in processors
// registered.
func NewApplier(state *State) *Applier {
	a := &Applier{
		state:      state,
		processors: make(map[CommandType]Processor),
	}
	registerProcessors(a)
	return a
}

// Register installs p as the processor of t, replacing any previous one.
func (a *Applier) Register(t CommandType, p Processor) {
	a.processors[t] = p
}

// Err returns the error that halted the applier, or nil.
func (a *Applier) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.halted
}

// State returns the state the applier writes to.
func (a *Applier) State() *State {
	return a.state
}

// ApplyFrame decodes frame and applies it as the entry at log position index.
func (a *Applier) ApplyFrame(index uint64, frame []byte) (Outcome, error) {
	if err := a.Err(); err != nil {
		return Outcome{}, err
	}
	le, n, err := entry.Decode(frame)
	if err == nil && n != len(frame) {
		err = status.Errorf(status.CodeCorruptEntry, "frame has %d trailing bytes", len(frame)-n)
	}
	if err != nil {
		return Outcome{}, a.halt(index, err)
	}
	return a.Apply(index, le)
}

// Apply applies le as the entry at log position index. Entries at or below the
// last applied index are skipped.
func (a *Applier) Apply(index uint64, le entry.LogEntry) (Outcome, error) {
	if err := a.Err(); err != nil {
		return Outcome{}, err
	}
	start := time.Now()
	defer applyDuration.UpdateDuration(start)

	out := Outcome{Index: index}
	err := a.state.Store.Update(func(tx *store.Txn) error {
		applied, err := readUint64(tx, metaAppliedIndex)
		if err != nil {
			return err
		}
		if index <= applied {
			out.Skipped = true
			return nil
		}

		switch e := le.Entry.(type) {
		case entry.Initial:
			log.Debugf("applying Initial entry %d of term %d", index, le.Term)
			if err := writeUint64(tx, metaTerm, le.Term); err != nil {
				return err
			}
		case entry.Configuration:
			if err := a.applyConfiguration(tx, le.Term, e); err != nil {
				return err
			}
		case entry.Application:
			if err := a.applyApplication(tx, le.Term, e, &out); err != nil {
				return err
			}
		default:
			return status.Errorf(status.CodeCorruptEntry, "cannot apply entry of type %T", le.Entry)
		}
		return writeUint64(tx, metaAppliedIndex, index)
	})
	if err != nil {
		return Outcome{}, a.halt(index, err)
	}

	if out.Skipped {
		skippedEntries.Inc()
		return out, nil
	}
	appliedEntries.Inc()
	appliedCommands.Add(len(out.Results))
	for _, r := range out.Results {
		if r.Rejected() {
			rejections.Inc()
		}
	}
	return out, nil
}

func (a *Applier) applyConfiguration(tx *store.Txn, term uint64, cfg entry.Configuration) error {
	frame, err := entry.Marshal(term, cfg)
	if err != nil {
		return err
	}
	log.Infof("applying configuration: %s", cfg.Sorted())
	return tx.Put(NamespaceMeta, metaMembership, frame)
}

// applyApplication dispatches the commands of e. The stream positions of the
// commands are taken from the entry, or assigned from the last processed
// position when the entry carries none (LowestPosition == 0). Commands at or
// below the last processed position were applied before and are skipped.
func (a *Applier) applyApplication(tx *store.Txn, term uint64, e entry.Application, out *Outcome) error {
	raw, err := readUint64(tx, metaLastProcessed)
	if err != nil {
		return err
	}
	lastProcessed := int64(raw)

	commands, err := DecodeCommands(e.Data)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return nil
	}

	first := e.LowestPosition
	if first == 0 {
		first = lastProcessed + 1
	} else if e.HighestPosition != first+int64(len(commands))-1 {
		return status.Errorf(status.CodeCorruptEntry, "entry covers positions %d..%d but carries %d commands",
			e.LowestPosition, e.HighestPosition, len(commands))
	}
	highest := first + int64(len(commands)) - 1
	if highest <= lastProcessed {
		out.Skipped = true
		return nil
	}

	ctx := &Context{Tx: tx, State: a.state, Term: term}
	for i := range commands {
		ctx.Position = first + int64(i)
		if ctx.Position <= lastProcessed {
			continue
		}
		cmd := &commands[i]
		process, ok := a.processors[cmd.Type]
		if !ok {
			return status.Errorf(status.CodeCorruptEntry, "no processor for command type %s", cmd.Type)
		}
		result, err := process(ctx, cmd)
		if err != nil {
			return err
		}
		result.Position = ctx.Position
		result.Command = cmd.Type
		out.Results = append(out.Results, result)
	}
	return writeUint64(tx, metaLastProcessed, uint64(highest))
}

// halt records err as the fatal error of the applier.
func (a *Applier) halt(index uint64, err error) error {
	var statusErr *status.Error
	if !errors.As(err, &statusErr) {
		err = status.Wrap(status.CodeInternal, err, "failed to apply entry")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted == nil {
		a.halted = err
		fatalHalts.Inc()
		log.Errorf("halting partition at log position %d: %v", index, err)
	}
	return a.halted
}
