package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "leadline.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leadline",
		Short: "Leadline: CRM conversation sync engine",
		Long:  "Leadline keeps the CRM inbox in sync with the Messaging Gateway over its push channel and REST API.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRoomsCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newAssignCmd())
	cmd.AddCommand(newCacheCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leadline %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
