package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zulandar/kbmigrate/internal/migrator"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// exitInterrupted is the conventional exit status after SIGINT.
const exitInterrupted = 130

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbmigrate",
		Short: "Migrate a document export into a hosted knowledge base",
		Long: "kbmigrate reads an exported document tree and its CSV index, converts each page\n" +
			"into a knowledge-base article and publishes it, tracking progress in a local\n" +
			"state store so interrupted runs can be resumed.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newCleanCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kbmigrate %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, migrator.ErrCancelled) {
			return exitInterrupted
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
