package store

import (
	"github.com/ValentinKolb/dState/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() (db.KVDB, error)

// Reader is the read side of the keyed state store. It is implemented by the
// snapshot passed to Store.View and by *Txn.
//
// Absent keys are reported as an error wrapping status.ErrNotFound, engine
// failures as status.ErrStorageUnavailable.
type Reader interface {
	// Get returns the value stored for key in ns.
	Get(ns Namespace, key Key) (value []byte, err error)

	// Exists reports whether key is present in ns.
	Exists(ns Namespace, key Key) (ok bool, err error)

	// ScanPrefix calls fn in key order for every key in ns starting with prefix
	// until fn returns false. key is passed without the namespace. key and value
	// are copies owned by fn.
	ScanPrefix(ns Namespace, prefix Key, fn func(key Key, value []byte) bool) (err error)
}

// Writer is the write side of a state transition.
type Writer interface {
	// Put inserts or replaces the value for key in ns.
	Put(ns Namespace, key Key, value []byte) (err error)

	// Delete removes key from ns. Deleting an absent key is not an error.
	Delete(ns Namespace, key Key) (err error)
}
