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

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "helpdesk.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hd",
		Short: "Helpdesk: support-intake chat bot",
		Long:  "Helpdesk collects issue reports and suggestions over chat and forwards them to a support channel.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newBotCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newTicketCmd())
	cmd.AddCommand(newDashboardCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hd %s (commit: %s, built: %s)\n", Version, Commit, Date)
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
