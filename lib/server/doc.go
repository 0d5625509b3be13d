// Package server runs the partitions of a dState node.
//
// A server reads a common.ServerConfig and serves every configured partition
// either in local mode (lpartition: one journal per partition) or in raft mode
// (dpartition: one dragonboat shard per partition on a shared NodeHost). Each
// partition gets a deadline scanner that re-issues unacknowledged subscription
// commands while the local replica is the leader.
//
// Partitions are kept in a concurrent map keyed by partition id. Commands are
// routed with Submit. The VictoriaMetrics counters of all packages are exposed
// in the Prometheus text format on /metrics when a metrics endpoint is set.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Partitions:              []uint64{1, 2},
//	  Mode:                    common.ModeLocal,
//	  Engine:                  common.EnginePebble,
//	  DataDir:                 "data",
//	  RetryTimeoutMillisecond: 10000,
//	  ScanIntervalMillisecond: 1000,
//	  MetricsEndpoint:         "0.0.0.0:9090",
//	  LogLevel:                "info",
//	}
//
//	s := server.NewServer(config)
//	if err := s.Serve(ctx); err != nil {
//	  panic(err)
//	}
package server
