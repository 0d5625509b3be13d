package db

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple  Implementation = "maple"
	ImplPebble Implementation = "pebble"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureTransactions Feature = 1 << iota // Support for atomic multi-key transactions
	FeatureSnapshots                        // Support for point-in-time snapshots
	FeatureIterate                          // Support for ordered prefix iteration
	FeatureDurable                          // Committed data survives a process restart
)

func (f Feature) String() string {
	switch f {
	case FeatureTransactions:
		return "Transactions"
	case FeatureSnapshots:
		return "Snapshots"
	case FeatureIterate:
		return "Iterate"
	case FeatureDurable:
		return "Durable"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// Reader is the read side shared by transactions and snapshots.
type Reader interface {

	// Get returns a copy of the value stored for key.
	// If the key does not exist, an error wrapping status.ErrNotFound is returned.
	Get(key []byte) (value []byte, err error)

	// Iterate calls fn for every key starting with prefix in ascending byte order
	// until fn returns false. The slices passed to fn are only valid during the call.
	Iterate(prefix []byte, fn func(key, value []byte) bool) (err error)
}

// Snapshot is a consistent, read-only point-in-time view of the database.
// Writes committed after the snapshot was taken are not visible.
type Snapshot interface {
	Reader

	// Close releases the snapshot.
	Close()
}

// Transaction buffers writes until Commit. Reads observe the transaction's own
// writes on top of the state the transaction started from.
//
// Thread-safety: a transaction must only be used by one goroutine.
type Transaction interface {
	Reader

	// Set inserts or updates the value for key.
	Set(key, value []byte) (err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) (err error)

	// Commit atomically publishes all writes of the transaction. After Commit
	// the transaction can not be used anymore.
	Commit() (err error)

	// Discard drops all writes. Calling Discard after Commit is a no-op.
	Discard()
}

// KVDB defines an interface for ordered key-value database engines.
// It provides transactions for atomic writes and snapshots for consistent reads.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// NewTransaction starts a read-write transaction.
	NewTransaction() (tx Transaction, err error)

	// NewSnapshot takes a point-in-time snapshot of the committed state.
	NewSnapshot() (snap Snapshot, err error)

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
