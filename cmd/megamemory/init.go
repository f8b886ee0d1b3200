package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/megamemory/core/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the project's .megamemory config sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
			dir := cwd + string(os.PathSeparator) + config.DirName

			cfg := config.DefaultConfig()
			if err := cfg.Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (database: %s)\n", dir, cfg.Database)
			return nil
		},
	}
}
