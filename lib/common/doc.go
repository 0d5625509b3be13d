// Package common provides the configuration and logging shared by the dState
// server and its command line interface.
//
// Key Components:
//
//   - ServerConfig: configuration of a server node. It lists the partitions
//     to serve, the mode they run in (local journal or raft), the storage
//     engine, the raft parameters, the journal parameters and the settings of
//     the deadline scanner. It converts itself to the Dragonboat configurations
//     and validates the values the server cannot run with.
//
//   - Logger: a dragonboat logger.ILogger with the line format
//     "LEVEL | package | message". InitLoggers installs it as the dragonboat
//     logger factory, so dState and dragonboat log through the same facade.
package common
