// Package cmd implements the tidewatch CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"
const logo = "🌊"

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "tidewatch",
	Short: logo + " tidewatch — subagent run lifecycle tracker",
	Long:  logo + " tidewatch — tracks spawned agent runs from registration through completion, announce and archival",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version

	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statusCmd)
}
