package correlation

import (
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("correlation")

	deadlineWrites  = metrics.GetOrCreateCounter("dstate_correlation_deadline_row_writes_total")
	deadlineDeletes = metrics.GetOrCreateCounter("dstate_correlation_deadline_row_deletes_total")
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// MutableState is the persisted side of the correlation store. All writes take
// the transition they belong to; they must only be called by the single
// writer of the partition.
type MutableState interface {
	// Put stores e under its primary key in state OPENING with the given wake
	// time. An existing entity with the same key is replaced (no merge).
	Put(tx *store.Txn, e Entity, wakeTime int64) error

	// TransitionToOpened sets the state to OPENED and clears the wake time.
	TransitionToOpened(tx *store.Txn, key PrimaryKey) error

	// TransitionToClosing sets the state to CLOSING with a new wake time.
	TransitionToClosing(tx *store.Txn, key PrimaryKey, wakeTime int64) error

	// RefreshDeadline sets a new wake time and keeps the state.
	RefreshDeadline(tx *store.Txn, key PrimaryKey, wakeTime int64) error

	// Remove deletes the entity and its deadline row. It reports whether the
	// entity existed.
	Remove(tx *store.Txn, key PrimaryKey) (bool, error)

	// Get returns the entity stored under key (status.ErrNotFound if absent).
	Get(r store.Reader, key PrimaryKey) (Entity, error)

	// Exists reports whether an entity is stored under key.
	Exists(r store.Reader, key PrimaryKey) (bool, error)

	// VisitByOwnerScope calls fn in key order for every entity of scopeID
	// until fn returns false.
	VisitByOwnerScope(r store.Reader, scopeID int64, fn func(e Entity) bool) error
}

// TransientState is the in-memory side of the correlation store. It is safe
// for concurrent use.
type TransientState interface {
	// VisitDue calls fn for every cached entity whose wake time is strictly
	// less than before, ascending by (wake time, primary key), until fn
	// returns false.
	VisitDue(before int64, fn func(e DueEntry) bool)

	// UpdateSentTime moves a cached entity to a new wake time without
	// touching persisted data. It reports whether the entity was cached.
	UpdateSentTime(key PrimaryKey, sentTime int64) bool
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store implements MutableState and TransientState on top of two namespaces of
// a store.Store:
//
//	primary:  (scopeId, name)           -> entity
//	deadline: (sentTime, scopeId, name) -> empty
//
// A deadline row exists if and only if the primary record has a wake time
// greater than 0.
type Store struct {
	st       *store.Store
	primary  store.Namespace
	deadline store.Namespace
	cache    *deadlineCache
}

var (
	_ MutableState   = (*Store)(nil)
	_ TransientState = (*Store)(nil)
)

// New creates a correlation store on the namespaces primary and deadline of st
// and fills the transient cache from the primary namespace.
func New(st *store.Store, primary, deadline store.Namespace) (*Store, error) {
	if primary == deadline {
		return nil, status.Errorf(status.CodeInvalidOperation, "primary and deadline namespace must differ (both %d)", primary)
	}
	s := &Store{
		st:       st,
		primary:  primary,
		deadline: deadline,
		cache:    newDeadlineCache(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the transient cache from the committed primary namespace.
// Every entity in state OPENING or CLOSING is cached with its wake time. It
// never writes and may be called again at any time, e.g. after the store was
// restored from a snapshot.
func (s *Store) Reload() error {
	var entries []DueEntry
	err := s.st.View(func(r store.Reader) error {
		var decodeErr error
		scanErr := r.ScanPrefix(s.primary, store.NewKey(), func(_ store.Key, value []byte) bool {
			e, err := unmarshalEntity(value)
			if err != nil {
				decodeErr = err
				return false
			}
			if e.State.IsTransient() {
				entries = append(entries, dueEntryOf(&e))
			}
			return true
		})
		if scanErr != nil {
			return scanErr
		}
		return decodeErr
	})
	if err != nil {
		return err
	}
	s.cache.replace(entries)
	log.Infof("rebuilt deadline cache of namespace %d with %d entities", s.primary, len(entries))
	return nil
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

func primaryKey(key PrimaryKey) store.Key {
	return store.NewKey().WithInt64(key.ScopeID).WithString(key.Name)
}

func deadlineKey(sentTime int64, key PrimaryKey) store.Key {
	return store.NewKey().WithInt64(sentTime).WithInt64(key.ScopeID).WithString(key.Name)
}

func dueEntryOf(e *Entity) DueEntry {
	return DueEntry{Key: e.PrimaryKey(), WakeTime: e.CommandSentTime, State: e.State}
}

// --------------------------------------------------------------------------
// MutableState
// --------------------------------------------------------------------------

func (s *Store) Put(tx *store.Txn, e Entity, wakeTime int64) error {
	previous, err := s.previousSentTime(tx, e.PrimaryKey())
	if err != nil {
		return err
	}
	e.State = StateOpening
	e.CommandSentTime = wakeTime
	return s.write(tx, previous, &e)
}

func (s *Store) TransitionToOpened(tx *store.Txn, key PrimaryKey) error {
	return s.modify(tx, key, func(e *Entity) {
		e.State = StateOpened
		e.CommandSentTime = 0
	})
}

func (s *Store) TransitionToClosing(tx *store.Txn, key PrimaryKey, wakeTime int64) error {
	return s.modify(tx, key, func(e *Entity) {
		e.State = StateClosing
		e.CommandSentTime = wakeTime
	})
}

func (s *Store) RefreshDeadline(tx *store.Txn, key PrimaryKey, wakeTime int64) error {
	return s.modify(tx, key, func(e *Entity) {
		e.CommandSentTime = wakeTime
	})
}

func (s *Store) Remove(tx *store.Txn, key PrimaryKey) (bool, error) {
	e, err := s.Get(tx, key)
	if status.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := tx.Delete(s.primary, primaryKey(key)); err != nil {
		return false, err
	}
	if err := s.updateSentTime(tx, key, e.CommandSentTime, 0); err != nil {
		return false, err
	}
	tx.OnCommit(func() { s.cache.remove(key) })
	return true, nil
}

func (s *Store) Get(r store.Reader, key PrimaryKey) (Entity, error) {
	value, err := r.Get(s.primary, primaryKey(key))
	if err != nil {
		if status.IsNotFound(err) {
			return Entity{}, status.Errorf(status.CodeNotFound, "no correlation entity with key %s", key)
		}
		return Entity{}, err
	}
	return unmarshalEntity(value)
}

func (s *Store) Exists(r store.Reader, key PrimaryKey) (bool, error) {
	return r.Exists(s.primary, primaryKey(key))
}

func (s *Store) VisitByOwnerScope(r store.Reader, scopeID int64, fn func(e Entity) bool) error {
	var decodeErr error
	err := r.ScanPrefix(s.primary, store.NewKey().WithInt64(scopeID), func(_ store.Key, value []byte) bool {
		e, err := unmarshalEntity(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(e)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// modify loads the entity under key, applies change and writes it back.
func (s *Store) modify(tx *store.Txn, key PrimaryKey, change func(e *Entity)) error {
	e, err := s.Get(tx, key)
	if err != nil {
		return err
	}
	previous := e.CommandSentTime
	change(&e)
	return s.write(tx, previous, &e)
}

func (s *Store) previousSentTime(tx *store.Txn, key PrimaryKey) (int64, error) {
	e, err := s.Get(tx, key)
	if status.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return e.CommandSentTime, nil
}

// write persists e, moves its deadline row from previous to e.CommandSentTime
// and registers the matching cache update for after the commit.
func (s *Store) write(tx *store.Txn, previous int64, e *Entity) error {
	if e.CommandSentTime < 0 {
		return status.Errorf(status.CodeInvalidOperation, "negative wake time %d for %s", e.CommandSentTime, e.PrimaryKey())
	}
	if err := tx.Put(s.primary, primaryKey(e.PrimaryKey()), e.marshal()); err != nil {
		return err
	}
	if err := s.updateSentTime(tx, e.PrimaryKey(), previous, e.CommandSentTime); err != nil {
		return err
	}

	due := dueEntryOf(e)
	if e.State.IsTransient() {
		tx.OnCommit(func() { s.cache.put(due) })
	} else {
		tx.OnCommit(func() { s.cache.remove(due.Key) })
	}
	return nil
}

// updateSentTime is the only place that writes the deadline index. The row of
// previous is replaced by the row of updated; nothing is written if they are
// equal and 0 stands for "no row".
func (s *Store) updateSentTime(tx *store.Txn, key PrimaryKey, previous, updated int64) error {
	if previous == updated {
		return nil
	}
	if previous > 0 {
		if err := tx.Delete(s.deadline, deadlineKey(previous, key)); err != nil {
			return err
		}
		deadlineDeletes.Inc()
	}
	if updated > 0 {
		if err := tx.Put(s.deadline, deadlineKey(updated, key), nil); err != nil {
			return err
		}
		deadlineWrites.Inc()
	}
	return nil
}

// --------------------------------------------------------------------------
// TransientState
// --------------------------------------------------------------------------

func (s *Store) VisitDue(before int64, fn func(e DueEntry) bool) {
	for _, e := range s.cache.due(before) {
		if !fn(e) {
			return
		}
	}
}

func (s *Store) UpdateSentTime(key PrimaryKey, sentTime int64) bool {
	return s.cache.updateWakeTime(key, sentTime)
}

// CachedEntry returns the cache entry of key, if any.
func (s *Store) CachedEntry(key PrimaryKey) (DueEntry, bool) {
	return s.cache.get(key)
}

// CacheSize returns the number of cached entities.
func (s *Store) CacheSize() int {
	return s.cache.len()
}

// --------------------------------------------------------------------------
// Deadline index introspection
// --------------------------------------------------------------------------

// VisitDeadlineIndex calls fn in ascending order for every row of the
// deadline index until fn returns false.
func (s *Store) VisitDeadlineIndex(r store.Reader, fn func(sentTime int64, key PrimaryKey) bool) error {
	var decodeErr error
	err := r.ScanPrefix(s.deadline, store.NewKey(), func(k store.Key, _ []byte) bool {
		kr := store.NewKeyReader(k)
		sentTime := kr.Int64()
		key := PrimaryKey{ScopeID: kr.Int64(), Name: kr.String()}
		if err := kr.Err(); err != nil {
			decodeErr = err
			return false
		}
		if !kr.Done() {
			decodeErr = status.Errorf(status.CodeCorruptEntry, "deadline key %x has trailing bytes", []byte(k))
			return false
		}
		return fn(sentTime, key)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// CountDeadlineRows returns the number of rows in the deadline index.
func (s *Store) CountDeadlineRows(r store.Reader) (int, error) {
	n := 0
	err := s.VisitDeadlineIndex(r, func(int64, PrimaryKey) bool {
		n++
		return true
	})
	return n, err
}
