package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dState/cmd/util"
	"github.com/ValentinKolb/dState/lib/common"
	"github.com/ValentinKolb/dState/lib/server"
	"github.com/ValentinKolb/dState/lib/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dState server",
		Long:    `Start the dState server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSTATE_<flag> (e.g. DSTATE_RETRY_TIMEOUT=15000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitEnv)

	// add flags
	key := "partitions"
	ServeCmd.PersistentFlags().String(key, "1", cmdUtil.WrapString("Comma-separated list of partition ids to serve (e.g. 1,2,3)"))

	key = "mode"
	ServeCmd.PersistentFlags().String(key, "local", cmdUtil.WrapString("How the partitions are run: local (one journal per partition on this node) or raft (replicated with the cluster members)"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, "pebble", cmdUtil.WrapString("Storage engine of the partition state: maple (in memory, rebuilt from the log on start) or pebble (on disk)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for journals, state and raft data"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(Raft Mode) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("(Raft Mode) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied Raft log entries. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("(Raft Mode) CompactionOverhead defines the number of log entries kept after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(Raft Mode) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(Raft Mode) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("(Raft Mode) Timeout of proposals and reads in seconds"))

	key = "max-segment-size"
	ServeCmd.PersistentFlags().Int64(key, 64<<20, cmdUtil.WrapString("(Local Mode) Size in bytes at which the journal rolls over to a new segment file"))

	key = "sync-writes"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Sync the journal and the state engine on every write"))

	key = "retry-timeout"
	ServeCmd.PersistentFlags().Int64(key, 10_000, cmdUtil.WrapString("Time in milliseconds after which an unacknowledged subscription command is sent again"))

	key = "scan-interval"
	ServeCmd.PersistentFlags().Int64(key, 1_000, cmdUtil.WrapString("Interval in milliseconds at which pending subscription commands are checked"))

	key = "scan-batch-size"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Maximum number of retried subscription commands per log entry"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:9090", cmdUtil.WrapString("The address on which the Prometheus metrics are served (empty to disable)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse partitions
	serveCmdConfig.Partitions = nil
	for _, raw := range strings.Split(viper.GetString("partitions"), ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid partition ID %s: %v", raw, err)
		}
		serveCmdConfig.Partitions = append(serveCmdConfig.Partitions, id)
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Mode = common.ServerMode(viper.GetString("mode"))
	serveCmdConfig.Engine = common.Engine(viper.GetString("engine"))
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MaxSegmentSize = viper.GetInt64("max-segment-size")
	serveCmdConfig.SyncWrites = viper.GetBool("sync-writes")
	serveCmdConfig.RetryTimeoutMillisecond = viper.GetInt64("retry-timeout")
	serveCmdConfig.ScanIntervalMillisecond = viper.GetInt64("scan-interval")
	serveCmdConfig.ScanBatchSize = viper.GetInt("scan-batch-size")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	raft := serveCmdConfig.Mode == common.ModeRaft

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = util.HashString(id, 0)
	} else if raft {
		return fmt.Errorf("ReplicaId is required in raft mode")
	}

	// parse cluster members
	if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
		serveCmdConfig.ClusterMembers = make(map[uint64]string)
		for _, member := range strings.Split(clusterMembers, ",") {
			parts := strings.Split(member, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
			}
			serveCmdConfig.ClusterMembers[util.HashString(parts[0], 0)] = parts[1]
		}
	} else if raft {
		return fmt.Errorf("ClusterMembers is required in raft mode")
	}

	return serveCmdConfig.Validate()
}

// run starts the dState server and blocks until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(*serveCmdConfig); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewServer(*serveCmdConfig).Serve(ctx)
}
