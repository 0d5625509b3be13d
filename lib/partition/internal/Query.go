package internal

// QueryType defines the possible queries for the partition state machine.
type QueryType uint8

const (
	QueryTGetSubscription QueryType = iota // Retrieve a subscription by (scope id, name).
	QueryTGetIncident                      // Retrieve an incident by key.
	QueryTProgress                         // Retrieve the applied log position and stream position.
	QueryTGetDBInfo                        // Retrieve metadata about the database underlying the machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGetSubscription:
		return "GetSubscription"
	case QueryTGetIncident:
		return "GetIncident"
	case QueryTProgress:
		return "Progress"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type    QueryType // The type of Query to perform.
	ScopeID int64     // Scope id of a subscription (empty for some queries).
	Name    string    // Name of a subscription (empty for some queries).
	Key     int64     // Key of an incident (empty for some queries).
}
