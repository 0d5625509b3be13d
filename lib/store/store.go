package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/VictoriaMetrics/metrics"
)

var (
	commitsTotal   = metrics.GetOrCreateCounter("dstate_store_commits_total")
	discardsTotal  = metrics.GetOrCreateCounter("dstate_store_discards_total")
	updateDuration = metrics.GetOrCreateHistogram("dstate_store_update_duration_seconds")
)

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the keyed state store of one partition. It groups the writes of one
// state transition into a single engine transaction and serves consistent
// reads from engine snapshots.
//
// Thread-safety: Update calls are serialized, there is exactly one transition
// in flight at any time. View, Save and the accessors may be called from any
// goroutine.
type Store struct {
	engine db.KVDB
	mu     sync.Mutex // serializes Update and Load
}

// New creates a store on top of engine. The store takes ownership of the
// engine and closes it on Close.
func New(engine db.KVDB) *Store {
	return &Store{engine: engine}
}

// Open creates the engine with factory and a store on top of it.
func Open(factory DBFactory) (*Store, error) {
	engine, err := factory()
	if err != nil {
		return nil, asStorageError(err, "failed to create engine")
	}
	return New(engine), nil
}

// Update runs fn as one state transition. If fn returns nil the writes are
// committed atomically and the OnCommit hooks registered by fn run afterwards;
// otherwise the writes are discarded, no hook runs and fn's error is returned.
func (s *Store) Update(fn func(tx *Txn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer updateDuration.UpdateDuration(start)

	engineTx, err := s.engine.NewTransaction()
	if err != nil {
		return asStorageError(err, "failed to start transaction")
	}

	txn := &Txn{tx: engineTx}
	defer func() {
		if !txn.done {
			engineTx.Discard()
			discardsTotal.Inc()
		}
	}()

	if err := fn(txn); err != nil {
		return err
	}

	txn.done = true
	if err := engineTx.Commit(); err != nil {
		discardsTotal.Inc()
		return asStorageError(err, "failed to commit transaction")
	}
	commitsTotal.Inc()

	for _, hook := range txn.hooks {
		hook()
	}
	return nil
}

// View runs fn on a consistent snapshot of the committed state.
func (s *Store) View(fn func(r Reader) error) error {
	snap, err := s.engine.NewSnapshot()
	if err != nil {
		return asStorageError(err, "failed to take snapshot")
	}
	defer snap.Close()

	return fn(reader{r: snap})
}

// Engine returns the underlying engine.
func (s *Store) Engine() db.KVDB {
	return s.engine
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Close(); err != nil {
		return asStorageError(err, "failed to close engine")
	}
	return nil
}

// --------------------------------------------------------------------------
// Txn
// --------------------------------------------------------------------------

// Txn is the handle of one state transition. Reads observe the writes made
// earlier in the same transition.
type Txn struct {
	tx    db.Transaction
	hooks []func()
	done  bool
}

// OnCommit registers fn to run after the transition committed successfully.
// Hooks run in registration order on the goroutine that called Update. They
// never run for a discarded transition.
func (t *Txn) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *Txn) Get(ns Namespace, key Key) ([]byte, error) {
	return reader{r: t.tx}.Get(ns, key)
}

func (t *Txn) Exists(ns Namespace, key Key) (bool, error) {
	return reader{r: t.tx}.Exists(ns, key)
}

func (t *Txn) ScanPrefix(ns Namespace, prefix Key, fn func(key Key, value []byte) bool) error {
	return reader{r: t.tx}.ScanPrefix(ns, prefix, fn)
}

func (t *Txn) Put(ns Namespace, key Key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := t.tx.Set(ns.engineKey(key), value); err != nil {
		return asStorageError(err, fmt.Sprintf("failed to put key in namespace %d", ns))
	}
	return nil
}

func (t *Txn) Delete(ns Namespace, key Key) error {
	if err := t.tx.Delete(ns.engineKey(key)); err != nil {
		return asStorageError(err, fmt.Sprintf("failed to delete key in namespace %d", ns))
	}
	return nil
}

// --------------------------------------------------------------------------
// Reader implementation
// --------------------------------------------------------------------------

// reader implements Reader on top of any db.Reader.
type reader struct {
	r db.Reader
}

func (r reader) Get(ns Namespace, key Key) ([]byte, error) {
	value, err := r.r.Get(ns.engineKey(key))
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, status.Errorf(status.CodeNotFound, "key %x not found in namespace %d", []byte(key), ns)
		}
		return nil, asStorageError(err, fmt.Sprintf("failed to read namespace %d", ns))
	}
	return value, nil
}

func (r reader) Exists(ns Namespace, key Key) (bool, error) {
	_, err := r.Get(ns, key)
	if errors.Is(err, status.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r reader) ScanPrefix(ns Namespace, prefix Key, fn func(key Key, value []byte) bool) error {
	err := r.r.Iterate(ns.engineKey(prefix), func(k, v []byte) bool {
		key := append(Key{}, k[namespaceLength:]...)
		value := append([]byte{}, v...)
		return fn(key, value)
	})
	if err != nil {
		return asStorageError(err, fmt.Sprintf("failed to scan namespace %d", ns))
	}
	return nil
}

// asStorageError keeps a *status.Error as is and wraps everything else as
// CodeStorageUnavailable.
func asStorageError(err error, msg string) error {
	var statusErr *status.Error
	if errors.As(err, &statusErr) {
		return err
	}
	return status.Wrap(status.CodeStorageUnavailable, err, msg)
}
