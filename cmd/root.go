package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dState/cmd/journal"
	"github.com/ValentinKolb/dState/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dstate",
		Short: "replicated state machine for message correlation",
		Long: fmt.Sprintf(`dState (v%s)

A partitioned state machine written in Go. Every partition applies an
ordered log of commands to a keyed state store and keeps the deadlines of
pending message subscriptions, locally or replicated with RAFT.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dState",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dState v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(journal.JournalCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
