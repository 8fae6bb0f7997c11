// Package cli implements the homehub command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "homehub",
	Short: "Home automation subsystem runtime",
	Long: `homehub runs the home automation subsystems — security, locks,
climate, solar, water, analytics and the rest — on a shared runtime with
one event bus and one settings store; each subsystem runs its own scheduler.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the homehub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("homehub", Version)
	},
}
