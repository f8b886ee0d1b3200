// Command megamemory is the operator-facing CLI for the knowledge graph
// store: branch reconciliation (merge, conflicts, resolve) and project
// bootstrapping. The agent-facing tool surface lives in internal/tool and
// is called in-process by whatever host embeds this module, not over this
// CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logJSON bool
	var logLevel string

	root := &cobra.Command{
		Use:   "megamemory",
		Short: "Manage a project's persistent knowledge graph store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(logJSON, logLevel)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(),
		newMergeCmd(),
		newConflictsCmd(),
		newResolveCmd(),
		newExportCmd(),
	)
	return root
}
