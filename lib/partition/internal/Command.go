package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible commands for the partition state machine.
type CommandType uint8

const (
	CommandTOpenSubscription      CommandType = iota + 1 // Open a subscription (state OPENING).
	CommandTSubscriptionOpened                           // Acknowledge an open subscription.
	CommandTCloseSubscription                            // Start closing a subscription (state CLOSING).
	CommandTSubscriptionClosed                           // Acknowledge a close and remove the subscription.
	CommandTCorrelateSubscription                        // Correlate a message and remove the subscription.
	CommandTRetrySubscription                            // Re-issue the pending command of a subscription.
	CommandTCreateIncident                               // Create an incident.
	CommandTResolveIncident                              // Resolve an incident.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTOpenSubscription:
		return "OpenSubscription"
	case CommandTSubscriptionOpened:
		return "SubscriptionOpened"
	case CommandTCloseSubscription:
		return "CloseSubscription"
	case CommandTSubscriptionClosed:
		return "SubscriptionClosed"
	case CommandTCorrelateSubscription:
		return "CorrelateSubscription"
	case CommandTRetrySubscription:
		return "RetrySubscription"
	case CommandTCreateIncident:
		return "CreateIncident"
	case CommandTResolveIncident:
		return "ResolveIncident"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Valid reports whether ct is a known command type.
func (ct CommandType) Valid() bool {
	return ct >= CommandTOpenSubscription && ct <= CommandTResolveIncident
}

// Command represents a command applied by the partition state machine. The
// meaning of the fields depends on the type:
//
//   - ScopeID + Name: primary key of the subscription (unused for incidents)
//   - Key: subscription or incident key
//   - Timestamp: wake time in milliseconds set by the submitter
//   - CorrelationKey: routing key of the subscription
//   - Value: opaque payload (subscription record, message variables, incident)
type Command struct {
	Type           CommandType
	ScopeID        int64
	Key            int64
	Timestamp      int64
	Name           string
	CorrelationKey string
	Value          []byte
}

// commandHeaderSize is Type + ScopeID + Key + Timestamp + NameLen + CorrelationKeyLen.
const commandHeaderSize = 1 + 8 + 8 + 8 + 4 + 4

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return commandHeaderSize + len(command.Name) + len(command.CorrelationKey) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for the command type,
// 8 bytes for the scope id,
// 8 bytes for the key,
// 8 bytes for the timestamp,
// 4 bytes for the name length + N bytes name,
// 4 bytes for the correlation key length + N bytes correlation key,
// N bytes for value data (optional, rest of the buffer)
//
// All integers are big endian.
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	command.serializeTo(result)
	return result
}

func (command *Command) serializeTo(result []byte) {
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], uint64(command.ScopeID))
	binary.BigEndian.PutUint64(result[9:17], uint64(command.Key))
	binary.BigEndian.PutUint64(result[17:25], uint64(command.Timestamp))

	offset := 25
	binary.BigEndian.PutUint32(result[offset:], uint32(len(command.Name)))
	offset += 4
	offset += copy(result[offset:], command.Name)

	binary.BigEndian.PutUint32(result[offset:], uint32(len(command.CorrelationKey)))
	offset += 4
	offset += copy(result[offset:], command.CorrelationKey)

	copy(result[offset:], command.Value)
}

// Validate checks the fields every processor relies on: a known type and a
// non-negative timestamp.
func (command *Command) Validate() error {
	if !command.Type.Valid() {
		return fmt.Errorf("unknown command type %d", command.Type)
	}
	if command.Timestamp < 0 {
		return fmt.Errorf("negative timestamp %d for %s command", command.Timestamp, command.Type)
	}
	return nil
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeaderSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	if !command.Type.Valid() {
		return fmt.Errorf("unknown command type %d", data[0])
	}
	command.ScopeID = int64(binary.BigEndian.Uint64(data[1:9]))
	command.Key = int64(binary.BigEndian.Uint64(data[9:17]))
	command.Timestamp = int64(binary.BigEndian.Uint64(data[17:25]))

	offset := 25
	nameLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data)-offset < nameLen+4 {
		return fmt.Errorf("data too short for name of length %d", nameLen)
	}
	command.Name = string(data[offset : offset+nameLen])
	offset += nameLen

	keyLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data)-offset < keyLen {
		return fmt.Errorf("data too short for correlation key of length %d", keyLen)
	}
	command.CorrelationKey = string(data[offset : offset+keyLen])
	offset += keyLen

	// Extract value if present
	if len(data) > offset {
		valueLen := len(data) - offset
		// Reuse existing buffer if possible to reduce allocations
		if command.Value == nil || cap(command.Value) < valueLen {
			command.Value = make([]byte, valueLen)
		} else {
			command.Value = command.Value[:valueLen]
		}
		copy(command.Value, data[offset:])
	} else {
		command.Value = nil
	}

	return nil
}

// --------------------------------------------------------------------------
// Batches
// --------------------------------------------------------------------------

// MaxBatchSize is the maximum number of commands in one batch.
const MaxBatchSize = 1 << 16

// BatchSizeBytes returns the number of bytes SerializeBatch produces for commands.
func BatchSizeBytes(commands []Command) int {
	size := 4
	for i := range commands {
		size += 4 + commands[i].SizeBytes()
	}
	return size
}

// SerializeBatch serializes commands into the payload of one application entry:
// 4 bytes command count followed by (4 bytes length + command) per command.
func SerializeBatch(commands []Command) []byte {
	result := make([]byte, BatchSizeBytes(commands))
	binary.BigEndian.PutUint32(result[0:4], uint32(len(commands)))
	offset := 4
	for i := range commands {
		n := commands[i].SizeBytes()
		binary.BigEndian.PutUint32(result[offset:], uint32(n))
		offset += 4
		commands[i].serializeTo(result[offset : offset+n])
		offset += n
	}
	return result
}

// DeserializeBatch is the inverse of SerializeBatch. Trailing bytes after the
// last command are an error.
func DeserializeBatch(data []byte) ([]Command, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for batch header")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	if count > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d commands exceeds limit of %d", count, MaxBatchSize)
	}

	commands := make([]Command, count)
	offset := 4
	for i := range commands {
		if len(data)-offset < 4 {
			return nil, fmt.Errorf("data too short for length of command %d", i)
		}
		n := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if len(data)-offset < n {
			return nil, fmt.Errorf("data too short for command %d of length %d", i, n)
		}
		if err := commands[i].Deserialize(data[offset : offset+n]); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		offset += n
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after batch", len(data)-offset)
	}
	return commands, nil
}
