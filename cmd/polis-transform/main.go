// Package main is the entry point for the polis-transform binary.
// It serves trusted transforms over HTTP and runs them from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// cliFlags holds the persistent flags shared by every subcommand.
type cliFlags struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "polis-transform",
		Short: "Trusted transform execution engine",
		Long: `polis-transform runs operator-registered Lua transforms over JSON payloads.

Transforms are registered from a manifest, pinned to their SHA-256 digest at
registration time and re-verified before every execution. Execution happens in
an isolated worker process by default, under a wall-clock and output budget.

The feature is disabled unless transforms.enabled (or POLIS_TRANSFORMS_ENABLED)
is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.LogLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newChainCmd(flags),
		newVerifyCmd(flags),
		newListCmd(flags),
		newWorkerCmd(),
	)

	return rootCmd
}
