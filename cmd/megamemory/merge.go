package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/megamemory/core/internal/merge"
)

func newMergeCmd() *cobra.Command {
	var into, leftLabel, rightLabel string

	cmd := &cobra.Command{
		Use:   "merge <file1> <file2>",
		Short: "Reconcile two store files into one, flagging conflicts for resolve",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			leftPath := args[0]
			if into != "" {
				if err := copyFile(args[0], into); err != nil {
					return fmt.Errorf("preparing --into %s: %w", into, err)
				}
				leftPath = into
			}

			left, err := openStoreAtPath(ctx, leftPath)
			if err != nil {
				return fmt.Errorf("opening %s: %w", leftPath, err)
			}
			defer left.Close()

			right, err := openStoreAtPath(ctx, args[1])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[1], err)
			}
			defer right.Close()

			report, err := merge.Run(ctx, left, right, leftLabel, rightLabel)
			if err != nil {
				return fmt.Errorf("merge failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "clean=%d removed_clean=%d concept_conflicts=%d edge_conflicts=%d merge_groups=%d\n",
				report.Clean, report.RemovedClean, report.ConceptConflicts, report.EdgeConflicts, len(report.MergeGroups))
			if len(report.MergeGroups) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "run `megamemory conflicts` to review unresolved concepts")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&into, "into", "", "write the merged result to this new file instead of file1")
	cmd.Flags().StringVar(&leftLabel, "left-label", "", `branch label recorded on file1's conflicting versions (default "left")`)
	cmd.Flags().StringVar(&rightLabel, "right-label", "", `branch label recorded on file2's conflicting versions (default "right")`)
	return cmd
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
