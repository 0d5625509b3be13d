package partition

import (
	"encoding/binary"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
)

// Namespaces of the partition state.
const (
	NamespaceMeta                  store.Namespace = 1 // applier bookkeeping
	NamespaceSubscriptions         store.Namespace = 2 // (scopeId, name) -> subscription
	NamespaceSubscriptionDeadlines store.Namespace = 3 // (sentTime, scopeId, name) -> empty
	NamespaceIncidents             store.Namespace = 4 // (key) -> incident
	NamespaceCorrelations          store.Namespace = 5 // (scopeId, name, messageKey) -> variables
)

var (
	metaAppliedIndex  = store.NewKey().WithString("appliedIndex")
	metaLastProcessed = store.NewKey().WithString("lastProcessedPosition")
	metaTerm          = store.NewKey().WithString("term")
	metaMembership    = store.NewKey().WithString("membership")
)

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is the complete domain state of one partition: the store and the
// correlation store of the subscriptions kept in it.
type State struct {
	Store         *store.Store
	Subscriptions *correlation.Store
}

// NewState opens the domain state on st. The deadline cache of the
// subscriptions is rebuilt from st.
func NewState(st *store.Store) (*State, error) {
	subs, err := correlation.New(st, NamespaceSubscriptions, NamespaceSubscriptionDeadlines)
	if err != nil {
		return nil, err
	}
	return &State{Store: st, Subscriptions: subs}, nil
}

// Reload rebuilds all transient state after the store content was replaced.
func (s *State) Reload() error {
	return s.Subscriptions.Reload()
}

// Progress describes how far the state has been built.
type Progress struct {
	AppliedIndex          uint64 // Last applied log position
	LastProcessedPosition int64  // Last processed stream position
	Term                  uint64 // Term of the last applied Initial entry
}

// Progress reads the bookkeeping of the applier from r.
func (s *State) Progress(r store.Reader) (Progress, error) {
	var (
		p   Progress
		err error
	)
	if p.AppliedIndex, err = readUint64(r, metaAppliedIndex); err != nil {
		return p, err
	}
	lastProcessed, err := readUint64(r, metaLastProcessed)
	if err != nil {
		return p, err
	}
	p.LastProcessedPosition = int64(lastProcessed)
	if p.Term, err = readUint64(r, metaTerm); err != nil {
		return p, err
	}
	return p, nil
}

// Membership returns the last applied configuration (status.ErrNotFound if
// no configuration was applied yet).
func (s *State) Membership(r store.Reader) (entry.Configuration, error) {
	value, err := r.Get(NamespaceMeta, metaMembership)
	if err != nil {
		return entry.Configuration{}, err
	}
	le, _, err := entry.Decode(value)
	if err != nil {
		return entry.Configuration{}, err
	}
	cfg, ok := le.Entry.(entry.Configuration)
	if !ok {
		return entry.Configuration{}, status.Errorf(status.CodeCorruptEntry, "membership holds a %s entry", le.Entry.Type())
	}
	return cfg, nil
}

// Incident returns the incident stored under key.
func (s *State) Incident(r store.Reader, key int64) ([]byte, error) {
	return r.Get(NamespaceIncidents, incidentKey(key))
}

// Correlations calls fn for every message correlated with the subscription
// (scopeID, name), in message key order.
func (s *State) Correlations(r store.Reader, scopeID int64, name string, fn func(messageKey int64, variables []byte) bool) error {
	prefix := store.NewKey().WithInt64(scopeID).WithString(name)
	var decodeErr error
	err := r.ScanPrefix(NamespaceCorrelations, prefix, func(key store.Key, value []byte) bool {
		kr := store.NewKeyReader(key)
		kr.Int64()
		_ = kr.String()
		messageKey := kr.Int64()
		if decodeErr = kr.Err(); decodeErr != nil {
			return false
		}
		return fn(messageKey, value)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func incidentKey(key int64) store.Key {
	return store.NewKey().WithInt64(key)
}

func correlationKey(scopeID int64, name string, messageKey int64) store.Key {
	return store.NewKey().WithInt64(scopeID).WithString(name).WithInt64(messageKey)
}

// --------------------------------------------------------------------------
// Meta helpers
// --------------------------------------------------------------------------

// readUint64 reads a meta counter. An absent counter reads as 0.
func readUint64(r store.Reader, key store.Key) (uint64, error) {
	value, err := r.Get(NamespaceMeta, key)
	if status.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, status.Errorf(status.CodeCorruptEntry, "meta value %x has %d bytes", []byte(key), len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func writeUint64(tx *store.Txn, key store.Key, v uint64) error {
	return tx.Put(NamespaceMeta, key, binary.BigEndian.AppendUint64(nil, v))
}
