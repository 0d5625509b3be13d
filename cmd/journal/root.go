package journal

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dState/cmd/util"
	"github.com/spf13/cobra"
)

var (
	dumpFrom uint64
	dumpTo   uint64

	// JournalCommands represents the journal command group
	JournalCommands = &cobra.Command{
		Use:   "journal",
		Short: "Inspect the journal of a local partition",
	}

	// dumpCmd represents the dump command
	dumpCmd = &cobra.Command{
		Use:   "dump [dir]",
		Short: "Print the entries of a journal as YAML",
		Long:  "Decode every entry of the journal in dir (including the commands of application entries) and print them as a YAML document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Dump(cmd.OutOrStdout(), args[0], dumpFrom, dumpTo)
		},
	}

	// verifyCmd represents the verify command
	verifyCmd = &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check a journal for corrupt entries",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
)

func init() {
	JournalCommands.AddCommand(dumpCmd)
	JournalCommands.AddCommand(verifyCmd)

	dumpCmd.Flags().Uint64Var(&dumpFrom, "from", 1, util.WrapString("First position to print"))
	dumpCmd.Flags().Uint64Var(&dumpTo, "to", 0, util.WrapString("Last position to print (0 = last entry)"))
}

func runVerify(cmd *cobra.Command, args []string) error {
	entries, corruptAt, err := Verify(args[0])
	if err != nil && corruptAt == 0 {
		return err
	}
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "journal %s is corrupt at position %d: %v\n", args[0], corruptAt, err)
		os.Exit(2)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "journal %s is valid (%d entries)\n", args[0], entries)
	return nil
}
