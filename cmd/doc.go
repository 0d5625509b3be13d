// Package cmd implements the command-line interface of dState.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a dState server (partitions, deadline scanners, metrics)
//   - journal: Offline inspection of local partition journals (dump, verify)
//   - util: Shared utilities for command-line processing (internal use)
//
// See dstate --help for a list of all commands.
package cmd
