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

// defaultConfig is the config path every command falls back to.
const defaultConfig = "caseflow.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cf",
		Short: "caseflow: case lifecycle tracking from enquiry to delivery",
		Long:  "caseflow tracks business cases from the first enquiry through estimation, quotation, order and production to delivery.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newCaseCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newAnalyticsCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cf %s (commit: %s, built: %s)\n", Version, Commit, Date)
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
