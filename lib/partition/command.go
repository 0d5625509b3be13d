package partition

import (
	"fmt"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/partition/internal"
	"github.com/ValentinKolb/dState/lib/status"
)

// Command is a command applied by the partition state machine. Use the
// constructors below to create one.
type Command = internal.Command

// CommandType identifies the processor of a command.
type CommandType = internal.CommandType

const (
	CommandOpenSubscription      = internal.CommandTOpenSubscription
	CommandSubscriptionOpened    = internal.CommandTSubscriptionOpened
	CommandCloseSubscription     = internal.CommandTCloseSubscription
	CommandSubscriptionClosed    = internal.CommandTSubscriptionClosed
	CommandCorrelateSubscription = internal.CommandTCorrelateSubscription
	CommandRetrySubscription     = internal.CommandTRetrySubscription
	CommandCreateIncident        = internal.CommandTCreateIncident
	CommandResolveIncident       = internal.CommandTResolveIncident
)

// EncodeCommands serializes commands into the payload of an application entry.
func EncodeCommands(commands []Command) []byte {
	return internal.SerializeBatch(commands)
}

// DecodeCommands decodes the payload of an application entry. A malformed
// payload fails with CodeCorruptEntry.
func DecodeCommands(data []byte) ([]Command, error) {
	commands, err := internal.DeserializeBatch(data)
	if err != nil {
		return nil, status.Wrap(status.CodeCorruptEntry, err, "failed to decode command batch")
	}
	return commands, nil
}

// ValidateCommands checks a submission before it is appended to the log. It
// fails with CodeInvalidOperation if the batch is too large for one entry or
// any command has an unknown type or a negative timestamp. Nothing a client
// submits may reach the applier in a form it cannot process.
func ValidateCommands(commands []Command) error {
	if len(commands) > internal.MaxBatchSize {
		return status.Errorf(status.CodeInvalidOperation, "cannot submit %d commands at once (limit %d)", len(commands), internal.MaxBatchSize)
	}
	for i := range commands {
		if err := commands[i].Validate(); err != nil {
			return status.Wrap(status.CodeInvalidOperation, err, fmt.Sprintf("invalid command %d", i))
		}
	}
	if size := internal.BatchSizeBytes(commands); size > entry.MaxDataLength {
		return status.Errorf(status.CodeInvalidOperation, "commands of %d bytes exceed the entry limit of %d bytes", size, entry.MaxDataLength)
	}
	return nil
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// OpenSubscription opens the subscription (scopeID, name). sentTime is the
// time the open command was sent to the message partition; it becomes the wake
// time of the subscription.
func OpenSubscription(scopeID int64, name string, key int64, correlationKey string, sentTime int64, payload []byte) Command {
	return Command{
		Type:           CommandOpenSubscription,
		ScopeID:        scopeID,
		Name:           name,
		Key:            key,
		CorrelationKey: correlationKey,
		Timestamp:      sentTime,
		Value:          payload,
	}
}

// SubscriptionOpened acknowledges the open command of (scopeID, name).
func SubscriptionOpened(scopeID int64, name string) Command {
	return Command{Type: CommandSubscriptionOpened, ScopeID: scopeID, Name: name}
}

// CloseSubscription starts closing (scopeID, name).
func CloseSubscription(scopeID int64, name string, sentTime int64) Command {
	return Command{Type: CommandCloseSubscription, ScopeID: scopeID, Name: name, Timestamp: sentTime}
}

// SubscriptionClosed acknowledges the close command of (scopeID, name).
func SubscriptionClosed(scopeID int64, name string) Command {
	return Command{Type: CommandSubscriptionClosed, ScopeID: scopeID, Name: name}
}

// CorrelateSubscription correlates a message with the subscription (scopeID,
// name). variables is stored with the correlation record.
func CorrelateSubscription(scopeID int64, name string, messageKey int64, variables []byte) Command {
	return Command{Type: CommandCorrelateSubscription, ScopeID: scopeID, Name: name, Key: messageKey, Value: variables}
}

// RetrySubscription re-issues the pending command of (scopeID, name) at
// sentTime.
func RetrySubscription(scopeID int64, name string, sentTime int64) Command {
	return Command{Type: CommandRetrySubscription, ScopeID: scopeID, Name: name, Timestamp: sentTime}
}

// CreateIncident creates the incident key.
func CreateIncident(key int64, incident []byte) Command {
	return Command{Type: CommandCreateIncident, Key: key, Value: incident}
}

// ResolveIncident resolves the incident key.
func ResolveIncident(key int64) Command {
	return Command{Type: CommandResolveIncident, Key: key}
}
