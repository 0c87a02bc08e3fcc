package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI colors in CLI output.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "aide",
	Short: "A local assistant that asks before it acts",
	Long: `aide turns loose notes into proposed actions. It asks when it is unsure,
waits for approval before anything destructive, and keeps a ledger that
explains every decision it made.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(sayCmd, pendingCmd, approveCmd, rejectCmd, closeCmd)
	rootCmd.AddCommand(decisionsCmd, promptCmd, entitiesCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
