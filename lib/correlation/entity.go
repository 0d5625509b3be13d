package correlation

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dState/lib/status"
)

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is the lifecycle state of a correlation entity.
type State uint8

const (
	StateOpening State = iota + 1 // The open command was sent but not yet acknowledged.
	StateOpened                   // The open command was acknowledged.
	StateClosing                  // The close command was sent but not yet acknowledged.
	StateClosed                   // Closed, waiting for removal.
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpened:
		return "OPENED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// IsTransient reports whether entities in this state wait for an
// acknowledgement and are therefore tracked by the deadline cache.
func (s State) IsTransient() bool {
	return s == StateOpening || s == StateClosing
}

func (s State) valid() bool {
	return s >= StateOpening && s <= StateClosed
}

// --------------------------------------------------------------------------
// Entity
// --------------------------------------------------------------------------

// PrimaryKey identifies an entity: the owner scope (e.g. the element instance
// that opened the subscription) and the correlation name (e.g. the message
// name).
type PrimaryKey struct {
	ScopeID int64
	Name    string
}

// Less orders keys by scope id, then by name.
func (k PrimaryKey) Less(o PrimaryKey) bool {
	if k.ScopeID != o.ScopeID {
		return k.ScopeID < o.ScopeID
	}
	return k.Name < o.Name
}

func (k PrimaryKey) String() string {
	return fmt.Sprintf("(%d, %q)", k.ScopeID, k.Name)
}

// Entity is a correlation record, e.g. a process message subscription.
//
// CommandSentTime is the wake time at which the unacknowledged command was
// last (re)issued. 0 means there is no pending deadline.
type Entity struct {
	ScopeID         int64
	Name            string
	Key             int64  // Key of the subscription record
	State           State  // Lifecycle state
	CommandSentTime int64  // Wake time in milliseconds, 0 = none
	CorrelationKey  string // Routes the entity to its partition
	Payload         []byte // Opaque record payload
}

// PrimaryKey returns the primary key of the entity.
func (e *Entity) PrimaryKey() PrimaryKey {
	return PrimaryKey{ScopeID: e.ScopeID, Name: e.Name}
}

// entityFixedSize is state u8 + scope i64 + key i64 + sentTime i64 + two u32
// length fields.
const entityFixedSize = 1 + 8 + 8 + 8 + 4 + 4

// sizeBytes returns the exact number of bytes needed to serialize e.
func (e *Entity) sizeBytes() int {
	return entityFixedSize + len(e.Name) + len(e.CorrelationKey) + len(e.Payload)
}

// marshal serializes e with the format:
//
//	[state u8 | scopeId i64 | key i64 | sentTime i64 |
//	 nameLen u32 | name | correlationKeyLen u32 | correlationKey | payload]
//
// All integers are big endian. The payload takes the rest of the buffer.
func (e *Entity) marshal() []byte {
	buf := make([]byte, 0, e.sizeBytes())
	buf = append(buf, byte(e.State))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.ScopeID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Key))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.CommandSentTime))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Name)))
	buf = append(buf, e.Name...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.CorrelationKey)))
	buf = append(buf, e.CorrelationKey...)
	return append(buf, e.Payload...)
}

// unmarshalEntity is the inverse of marshal.
func unmarshalEntity(data []byte) (Entity, error) {
	var e Entity
	if len(data) < entityFixedSize {
		return e, status.Errorf(status.CodeCorruptEntry, "entity record too short (%d bytes)", len(data))
	}

	e.State = State(data[0])
	if !e.State.valid() {
		return Entity{}, status.Errorf(status.CodeCorruptEntry, "entity record has unknown state %d", data[0])
	}
	e.ScopeID = int64(binary.BigEndian.Uint64(data[1:9]))
	e.Key = int64(binary.BigEndian.Uint64(data[9:17]))
	e.CommandSentTime = int64(binary.BigEndian.Uint64(data[17:25]))
	rest := data[25:]

	name, rest, ok := lengthPrefixed(rest)
	if !ok {
		return Entity{}, status.NewError(status.CodeCorruptEntry, "entity record has a truncated name")
	}
	correlationKey, rest, ok := lengthPrefixed(rest)
	if !ok {
		return Entity{}, status.NewError(status.CodeCorruptEntry, "entity record has a truncated correlation key")
	}
	e.Name = string(name)
	e.CorrelationKey = string(correlationKey)
	if len(rest) > 0 {
		e.Payload = append([]byte(nil), rest...)
	}
	return e, nil
}

func lengthPrefixed(b []byte) (value, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)-4) < uint64(n) {
		return nil, nil, false
	}
	return b[4 : 4+n], b[4+n:], true
}
