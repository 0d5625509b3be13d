package pebble

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/util"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pebble")

const (
	samplesForInfo   = 100
	perEntryOverhead = 32
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// DBOptions configures the pebble engine
type DBOptions struct {
	Dir      string // Directory of the database (ignored if InMemory)
	InMemory bool   // Keep all files in memory (tests, ephemeral partitions)
	Sync     bool   // Sync the WAL on every commit
}

// DefaultOptions returns options for an in-memory pebble engine
func DefaultOptions() *DBOptions {
	return &DBOptions{
		InMemory: true,
		Sync:     false,
	}
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// pebbleImpl is a durable engine backed by cockroachdb/pebble. Transactions
// are indexed batches, snapshots are pebble snapshots.
type pebbleImpl struct {
	pdb       *pebble.DB
	opts      DBOptions
	writeOpts *pebble.WriteOptions
}

// NewPebbleDB opens (or creates) a pebble engine.
func NewPebbleDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pebbleOpts := &pebble.Options{
		Logger: pebbleLogger{},
	}
	dir := opts.Dir
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		dir = ""
	} else if dir == "" {
		return nil, status.NewError(status.CodeInvalidOperation, "pebble engine needs a directory")
	}

	pdb, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to open pebble database %q", dir))
	}

	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}

	log.Infof("Opened pebble engine (dir=%q, in-memory=%t, sync=%t)", dir, opts.InMemory, opts.Sync)
	return &pebbleImpl{pdb: pdb, opts: *opts, writeOpts: writeOpts}, nil
}

func (p *pebbleImpl) NewTransaction() (db.Transaction, error) {
	return &transaction{engine: p, batch: p.pdb.NewIndexedBatch()}, nil
}

func (p *pebbleImpl) NewSnapshot() (db.Snapshot, error) {
	return &snapshot{snap: p.pdb.NewSnapshot()}, nil
}

func (p *pebbleImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureTransactions | db.FeatureSnapshots | db.FeatureIterate
	if !p.opts.InMemory {
		supported |= db.FeatureDurable
	}
	return supported&feature == feature
}

// GetInfo reports the disk usage of pebble and an estimate of the live data
// derived from a sample of the keyspace.
func (p *pebbleImpl) GetInfo() db.DatabaseInfo {
	histogram := util.NewSizeHistogram()
	count := 0

	snap := p.pdb.NewSnapshot()
	iter := snap.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		if count < samplesForInfo {
			histogram.AddSample(len(iter.Key()) + len(iter.Value()))
		}
		count++
	}
	_ = iter.Close()
	_ = snap.Close()

	metrics := p.pdb.Metrics()
	meta := &struct {
		Entries        int    `json:"entries"`
		DiskSpaceUsage uint64 `json:"disk_space_usage"`
		InMemory       bool   `json:"in_memory"`
		Sync           bool   `json:"sync"`
	}{
		Entries:        count,
		DiskSpaceUsage: metrics.DiskSpaceUsage(),
		InMemory:       p.opts.InMemory,
		Sync:           p.opts.Sync,
	}

	features := []db.Feature{db.FeatureTransactions, db.FeatureSnapshots, db.FeatureIterate}
	if !p.opts.InMemory {
		features = append(features, db.FeatureDurable)
	}

	return db.DatabaseInfo{
		SizeBytes:         histogram.EstimateTotal(count, perEntryOverhead),
		DbType:            db.ImplPebble,
		SupportedFeatures: features,
		Metadata:          meta,
	}
}

func (p *pebbleImpl) Close() error {
	if err := p.pdb.Close(); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to close pebble database")
	}
	return nil
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type transaction struct {
	engine *pebbleImpl
	batch  *pebble.Batch
	done   bool
}

func (tx *transaction) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, errTxDone
	}
	return get(tx.batch.Get(key))
}

// Iterate collects the matching pairs before visiting them, so fn may write to
// the transaction while iterating.
func (tx *transaction) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if tx.done {
		return errTxDone
	}
	type pair struct{ key, value []byte }
	var pairs []pair
	err := iterate(tx.batch.NewIter(prefixOptions(prefix)), func(k, v []byte) bool {
		pairs = append(pairs, pair{append([]byte(nil), k...), append([]byte(nil), v...)})
		return true
	})
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if !fn(p.key, p.value) {
			break
		}
	}
	return nil
}

func (tx *transaction) Set(key, value []byte) error {
	if tx.done {
		return errTxDone
	}
	if err := tx.batch.Set(key, value, nil); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to write to batch")
	}
	return nil
}

func (tx *transaction) Delete(key []byte) error {
	if tx.done {
		return errTxDone
	}
	if err := tx.batch.Delete(key, nil); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to write to batch")
	}
	return nil
}

func (tx *transaction) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	defer tx.batch.Close()

	if err := tx.batch.Commit(tx.engine.writeOpts); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to commit batch")
	}
	return nil
}

func (tx *transaction) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

var errTxDone = status.NewError(status.CodeInvalidOperation, "transaction already committed or discarded")

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	snap *pebble.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.snap == nil {
		return nil, errSnapshotClosed
	}
	return get(s.snap.Get(key))
}

func (s *snapshot) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if s.snap == nil {
		return errSnapshotClosed
	}
	return iterate(s.snap.NewIter(prefixOptions(prefix)), fn)
}

func (s *snapshot) Close() {
	if s.snap != nil {
		_ = s.snap.Close()
		s.snap = nil
	}
}

var errSnapshotClosed = status.NewError(status.CodeInvalidOperation, "snapshot is closed")

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// get copies the result of a pebble Get and releases it.
func get(value []byte, closer interface{ Close() error }, err error) ([]byte, error) {
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, status.NewError(status.CodeNotFound, "key not found")
	}
	if err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, "pebble get failed")
	}
	out := append(make([]byte, 0, len(value)), value...)
	_ = closer.Close()
	return out, nil
}

func iterate(iter *pebble.Iterator, fn func(key, value []byte) bool) error {
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "pebble iteration failed")
	}
	return nil
}

func prefixOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return nil
	}
	opts := &pebble.IterOptions{LowerBound: prefix}
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			opts.UpperBound = end[:i+1]
			break
		}
	}
	return opts
}

// pebbleLogger routes pebble's log output through the dragonboat logger.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Panicf(format, args...)
}
