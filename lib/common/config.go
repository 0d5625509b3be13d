package common

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dState/lib/status"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to the Dragonboat Config of one partition
func (c *ServerConfig) ToDragonboatConfig(partitionID uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            partitionID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	dir := filepath.Join(c.DataDir, "raft")
	return config.NodeHostConfig{
		WALDir:         dir,
		NodeHostDir:    dir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerMode selects how the partitions of a server are run.
type ServerMode string

const (
	ModeLocal ServerMode = "local" // one node, local journal per partition
	ModeRaft  ServerMode = "raft"  // replicated with dragonboat
)

// Engine names the storage engine of the partition state.
type Engine string

const (
	EngineMaple  Engine = "maple"
	EnginePebble Engine = "pebble"
)

// ServerConfig holds all configuration parameters of a dState server.
type ServerConfig struct {
	// Partitions served by this node
	Partitions []uint64
	Mode       ServerMode
	Engine     Engine
	DataDir    string

	// Dragonboat parameters (raft mode)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string
	TimeoutSecond      int64

	// Journal parameters (local mode)
	MaxSegmentSize int64
	SyncWrites     bool

	// Deadline scanner
	RetryTimeoutMillisecond int64
	ScanIntervalMillisecond int64
	ScanBatchSize           int

	// HTTP endpoint serving /metrics (empty = disabled)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// Timeout returns the timeout of raft proposals and reads.
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// RetryTimeout returns the time after which an unacknowledged subscription command is sent again.
func (c *ServerConfig) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutMillisecond) * time.Millisecond
}

// ScanInterval returns the interval of the deadline scanner.
func (c *ServerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMillisecond) * time.Millisecond
}

// PartitionDir returns the directory of a local partition (journal + state).
func (c *ServerConfig) PartitionDir(partitionID uint64) string {
	return filepath.Join(c.DataDir, "partitions", strconv.FormatUint(partitionID, 10))
}

// Validate checks the configuration for values the server cannot run with.
func (c *ServerConfig) Validate() error {
	if len(c.Partitions) == 0 {
		return status.NewError(status.CodeInvalidOperation, "at least one partition is required")
	}
	seen := make(map[uint64]bool, len(c.Partitions))
	for _, id := range c.Partitions {
		if id == 0 {
			return status.NewError(status.CodeInvalidOperation, "partition id 0 is reserved")
		}
		if seen[id] {
			return status.Errorf(status.CodeInvalidOperation, "partition %d is listed twice", id)
		}
		seen[id] = true
	}

	switch c.Mode {
	case ModeLocal:
	case ModeRaft:
		if c.ReplicaID == 0 {
			return status.NewError(status.CodeInvalidOperation, "replica id is required in raft mode")
		}
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return status.Errorf(status.CodeInvalidOperation, "no address found for replica ID %d in cluster members", c.ReplicaID)
		}
	default:
		return status.Errorf(status.CodeInvalidOperation, "invalid mode %q (expected %s or %s)", c.Mode, ModeLocal, ModeRaft)
	}

	switch c.Engine {
	case EngineMaple, EnginePebble:
	default:
		return status.Errorf(status.CodeInvalidOperation, "invalid engine %q (expected %s or %s)", c.Engine, EngineMaple, EnginePebble)
	}

	if c.RetryTimeoutMillisecond <= 0 || c.ScanIntervalMillisecond <= 0 {
		return status.NewError(status.CodeInvalidOperation, "retry timeout and scan interval must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Mode", string(c.Mode))
	addField("Engine", string(c.Engine))
	addField("Data Directory", c.DataDir)
	addField("Metrics Endpoint", c.MetricsEndpoint)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Partitions")
	for _, id := range c.Partitions {
		addField(strconv.FormatUint(id, 10), string(c.Mode))
	}

	addSection("Deadline Scanner")
	addField("Retry Timeout", c.RetryTimeout().String())
	addField("Scan Interval", c.ScanInterval().String())
	addField("Batch Size", strconv.Itoa(c.ScanBatchSize))

	if c.Mode == ModeLocal {
		addSection("Journal")
		addField("Max Segment Size", fmt.Sprintf("%d bytes", c.MaxSegmentSize))
		addField("Sync Writes", fmt.Sprintf("%t", c.SyncWrites))
		return sb.String()
	}

	// Node Identity
	addSection("Node Identity")
	addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
	addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

	// RAFT parameters
	addSection("RAFT Parameters")
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Check Quorum", fmt.Sprintf("%t", true))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Cluster")
	sb.WriteString("  Initial Cluster Members:\n")

	// Sort keys for consistent output
	var keys []uint64
	for k := range c.ClusterMembers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
	}
	return sb.String()
}
