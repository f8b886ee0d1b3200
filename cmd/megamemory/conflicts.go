package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/megamemory/core/internal/merge"
	"github.com/megamemory/core/internal/store"
)

func newConflictsCmd() *cobra.Command {
	var dbPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved merge conflicts in a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := resolveStore(ctx, dbPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()

			conflicts, err := merge.ListConflicts(ctx, s)
			if err != nil {
				return fmt.Errorf("listing conflicts: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(conflicts)
			}

			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no unresolved conflicts")
				return nil
			}
			for _, c := range conflicts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  canonical=%s\n", c.MergeGroup, c.CanonicalID)
				for _, v := range c.Versions {
					fmt.Fprintf(cmd.OutOrStdout(), "    %s  branch=%s\n", v.ID, v.SourceBranch)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the store file (default: this project's configured store)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON instead of a table")
	return cmd
}

// resolveStore opens the store at path, or the current project's
// configured store if path is empty.
func resolveStore(ctx context.Context, path string) (*store.Store, error) {
	if path == "" {
		return openProjectStore(ctx)
	}
	return openStoreAtPath(ctx, path)
}
