package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/megamemory/core/internal/merge"
	"github.com/megamemory/core/internal/store"
)

func newResolveCmd() *cobra.Command {
	var keep, dbPath string

	cmd := &cobra.Command{
		Use:   "resolve <merge-group> --keep left|right|both",
		Short: "Resolve one merge conflict by merge group id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resolution merge.Resolution
			switch keep {
			case "left":
				resolution = merge.ResolveKeepLeft
			case "right":
				resolution = merge.ResolveKeepRight
			case "both":
				resolution = merge.ResolveKeepBoth
			default:
				return fmt.Errorf("unknown --keep %q (want left, right, or both)", keep)
			}

			ctx := cmd.Context()
			s, err := resolveStore(ctx, dbPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()

			if err := merge.Resolve(ctx, s, args[0], resolution); err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("merge group %q not found: %w", args[0], err)
				}
				return fmt.Errorf("resolving %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (kept %s)\n", args[0], keep)
			return nil
		},
	}

	cmd.Flags().StringVar(&keep, "keep", "", "left, right, or both (required)")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store file (default: this project's configured store)")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}
