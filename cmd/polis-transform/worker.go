package main

import (
	"os"

	"github.com/polisai/polis-transform/pkg/worker"
	"github.com/spf13/cobra"
)

// newWorkerCmd is the isolated worker entry used by the process executor.
// It never loads configuration or logs to stdout.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "worker <module-path>",
		Short:              "Run one transform module (internal)",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := worker.Main(args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}
