package maple

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/util"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree    = 32 // B-tree degree
	samplesForInfo   = 100
	perEntryOverhead = 48 // item header, slice headers and tree bookkeeping
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl is an in-memory engine backed by a copy-on-write B-tree.
//
// The committed state is a tree that is never modified again once it is
// published. A transaction works on a lazy clone of it and publishes the clone
// with a single pointer swap on Commit, so readers never observe a partially
// applied transaction.
type mapleImpl struct {
	degree int

	// mu serializes Clone calls on the published tree and commits.
	mu      sync.Mutex
	root    atomic.Pointer[internal.Tree]
	commits atomic.Uint64
	closed  atomic.Bool
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	Degree int // B-tree degree (0 = use default: 32)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Degree: defaultDegree,
	}
}

// NewMapleDB creates a new, empty MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Degree < 2 {
		opts.Degree = defaultDegree
	}

	m := &mapleImpl{degree: opts.Degree}
	m.root.Store(internal.NewTree(opts.Degree))
	return m
}

// clone returns a private copy of the published tree together with the tree it
// was cloned from.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) clone() (base, clone *internal.Tree, err error) {
	if maple.closed.Load() {
		return nil, nil, status.NewError(status.CodeStorageUnavailable, "maple database is closed")
	}
	maple.mu.Lock()
	defer maple.mu.Unlock()

	base = maple.root.Load()
	return base, base.Clone(), nil
}

// --------------------------------------------------------------------------
// KVDB Interface Methods
// --------------------------------------------------------------------------

// NewTransaction starts a transaction on a clone of the committed state.
//
// Thread-safety: This method is thread-safe, but commits of transactions that
// were started from the same state conflict: only the first one succeeds.
func (maple *mapleImpl) NewTransaction() (db.Transaction, error) {
	base, tree, err := maple.clone()
	if err != nil {
		return nil, err
	}
	return &transaction{db: maple, base: base, tree: tree}, nil
}

// NewSnapshot takes a point-in-time view of the committed state.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) NewSnapshot() (db.Snapshot, error) {
	_, tree, err := maple.clone()
	if err != nil {
		return nil, err
	}
	return &snapshot{tree: tree}, nil
}

// GetInfo returns statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	tree := maple.root.Load()
	count := tree.Len()

	histogram := util.NewSizeHistogram()
	sampled := 0
	tree.Ascend(func(item internal.Item) bool {
		histogram.AddSample(len(item.Key) + len(item.Value))
		sampled++
		return sampled < samplesForInfo
	})

	meta := &struct {
		Entries int    `json:"entries"`
		Commits uint64 `json:"commits"`
		Degree  int    `json:"degree"`
		Info    string `json:"info"`
	}{
		Entries: count,
		Commits: maple.commits.Load(),
		Degree:  maple.degree,
		Info:    "SizeBytes is estimated from a sample of the entries.",
	}

	return db.DatabaseInfo{
		SizeBytes:         histogram.EstimateTotal(count, perEntryOverhead),
		DbType:            db.ImplMaple,
		SupportedFeatures: []db.Feature{db.FeatureTransactions, db.FeatureSnapshots, db.FeatureIterate},
		Metadata:          meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureTransactions | db.FeatureSnapshots | db.FeatureIterate
	return supportedFeatures&feature == feature
}

// Close drops the data. Open transactions and snapshots stay readable.
func (maple *mapleImpl) Close() error {
	if maple.closed.CompareAndSwap(false, true) {
		maple.mu.Lock()
		maple.root.Store(internal.NewTree(maple.degree))
		maple.mu.Unlock()
	}
	return nil
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type transaction struct {
	db   *mapleImpl
	base *internal.Tree // the published tree the transaction started from
	tree *internal.Tree // private clone receiving all writes
	done bool
}

func (tx *transaction) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, errTxDone
	}
	return get(tx.tree, key)
}

// Iterate visits a copy of the matching items, so fn may write to the
// transaction while iterating.
func (tx *transaction) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if tx.done {
		return errTxDone
	}
	for _, item := range internal.CollectPrefix(tx.tree, prefix) {
		if !fn(item.Key, item.Value) {
			break
		}
	}
	return nil
}

func (tx *transaction) Set(key, value []byte) error {
	if tx.done {
		return errTxDone
	}
	tx.tree.ReplaceOrInsert(internal.NewItem(key, value))
	return nil
}

func (tx *transaction) Delete(key []byte) error {
	if tx.done {
		return errTxDone
	}
	tx.tree.Delete(internal.Item{Key: key})
	return nil
}

func (tx *transaction) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	if tx.db.closed.Load() {
		return status.NewError(status.CodeStorageUnavailable, "maple database is closed")
	}
	if current := tx.db.root.Load(); current != tx.base {
		return status.NewError(status.CodeInvalidOperation, "conflicting transaction committed first")
	}
	tx.db.root.Store(tx.tree)
	tx.db.commits.Add(1)
	return nil
}

func (tx *transaction) Discard() {
	tx.done = true
	tx.tree = nil
}

var errTxDone = status.NewError(status.CodeInvalidOperation, "transaction already committed or discarded")

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	tree *internal.Tree
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.tree == nil {
		return nil, errSnapshotClosed
	}
	return get(s.tree, key)
}

func (s *snapshot) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if s.tree == nil {
		return errSnapshotClosed
	}
	internal.AscendPrefix(s.tree, prefix, func(item internal.Item) bool {
		return fn(item.Key, item.Value)
	})
	return nil
}

func (s *snapshot) Close() {
	s.tree = nil
}

var errSnapshotClosed = status.NewError(status.CodeInvalidOperation, "snapshot is closed")

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// get returns a copy of the value stored for key.
func get(tree *internal.Tree, key []byte) ([]byte, error) {
	item, ok := tree.Get(internal.Item{Key: key})
	if !ok {
		return nil, status.Errorf(status.CodeNotFound, "key %x not found", key)
	}
	return append(make([]byte, 0, len(item.Value)), item.Value...), nil
}
