package entry

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Entry variants
// --------------------------------------------------------------------------

// Type identifies the variant of an Entry on the wire.
type Type uint8

const (
	TypeApplication   Type = iota // Application entry (command payload)
	TypeInitial                   // Initial entry (start of a term)
	TypeConfiguration             // Configuration entry (cluster membership)
)

func (t Type) String() string {
	switch t {
	case TypeApplication:
		return "Application"
	case TypeInitial:
		return "Initial"
	case TypeConfiguration:
		return "Configuration"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Entry is one of Initial, Application or Configuration. The set of variants
// is closed: the interface can only be implemented inside this package.
type Entry interface {
	// Type returns the wire type of the entry.
	Type() Type
	isEntry()
}

// Initial marks the start of a new term in the log. It has no payload.
type Initial struct{}

func (Initial) Type() Type { return TypeInitial }
func (Initial) isEntry()   {}

func (Initial) String() string { return "Initial{}" }

// Application carries an opaque command payload. LowestPosition and
// HighestPosition are the stream positions of the first and last record in
// Data and are used to skip already applied entries on replay.
type Application struct {
	LowestPosition  int64
	HighestPosition int64
	Data            []byte
}

func (Application) Type() Type { return TypeApplication }
func (Application) isEntry()   {}

func (a Application) String() string {
	return fmt.Sprintf("Application{lowestPosition=%d, highestPosition=%d, data=%d bytes}",
		a.LowestPosition, a.HighestPosition, len(a.Data))
}

// Configuration describes the cluster membership as of Timestamp.
// Members form a set: the order of the slice carries no meaning.
type Configuration struct {
	Timestamp int64
	Members   []Member
}

func (Configuration) Type() Type { return TypeConfiguration }
func (Configuration) isEntry()   {}

// Sorted returns a copy of the configuration with members ordered by id.
// This is the order in which members are encoded.
func (c Configuration) Sorted() Configuration {
	members := make([]Member, len(c.Members))
	copy(members, c.Members)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return Configuration{Timestamp: c.Timestamp, Members: members}
}

// Equal reports whether both configurations describe the same member set at
// the same timestamp, regardless of member order.
func (c Configuration) Equal(o Configuration) bool {
	if c.Timestamp != o.Timestamp || len(c.Members) != len(o.Members) {
		return false
	}
	a, b := c.Sorted(), o.Sorted()
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

// String returns the normalized representation (members sorted by id).
func (c Configuration) String() string {
	sorted := c.Sorted()
	parts := make([]string, len(sorted.Members))
	for i, m := range sorted.Members {
		parts[i] = m.String()
	}
	return fmt.Sprintf("Configuration{timestamp=%d, members=[%s]}", c.Timestamp, strings.Join(parts, ", "))
}

// MemberType is the role of a member in the replication group.
type MemberType uint8

const (
	MemberActive     MemberType = iota // Voting member
	MemberPassive                      // Replicates but never votes
	MemberPromotable                   // Passive member that may be promoted to active
)

func (t MemberType) String() string {
	switch t {
	case MemberActive:
		return "ACTIVE"
	case MemberPassive:
		return "PASSIVE"
	case MemberPromotable:
		return "PROMOTABLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t MemberType) valid() bool {
	return t <= MemberPromotable
}

// Member describes one member of a Configuration. Updated is the unix time in
// milliseconds of the member's last status change.
type Member struct {
	ID      string
	Type    MemberType
	Updated int64
}

func (m Member) String() string {
	return fmt.Sprintf("Member{id=%s, type=%s, updated=%d}", m.ID, m.Type, m.Updated)
}

// --------------------------------------------------------------------------
// LogEntry
// --------------------------------------------------------------------------

// LogEntry is an Entry together with the term it was appended in.
type LogEntry struct {
	Term  uint64
	Entry Entry
}

// Equal compares two log entries by value.
func (e LogEntry) Equal(o LogEntry) bool {
	if e.Term != o.Term {
		return false
	}
	return Equal(e.Entry, o.Entry)
}

func (e LogEntry) String() string {
	return fmt.Sprintf("LogEntry{term=%d, entry=%v}", e.Term, e.Entry)
}

// Equal compares two entries by value. Configuration entries are compared
// in their normalized form and application payloads with bytes.Equal, so a
// nil and an empty payload are equal.
func Equal(a, b Entry) bool {
	switch x := a.(type) {
	case Initial:
		_, ok := b.(Initial)
		return ok
	case Application:
		y, ok := b.(Application)
		return ok &&
			x.LowestPosition == y.LowestPosition &&
			x.HighestPosition == y.HighestPosition &&
			bytes.Equal(x.Data, y.Data)
	case Configuration:
		y, ok := b.(Configuration)
		return ok && x.Equal(y)
	default:
		return false
	}
}
