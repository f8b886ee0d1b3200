package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/megamemory/core/internal/store"
	"github.com/megamemory/core/internal/types"
)

type graphEnvelope struct {
	Nodes []*types.Node `json:"nodes" yaml:"nodes"`
	Edges []*types.Edge `json:"edges" yaml:"edges"`
}

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the live graph as JSON or YAML for inspection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openProjectStore(ctx)
			if err != nil {
				return fmt.Errorf("opening project store: %w", err)
			}
			defer s.Close()

			envelope, err := buildEnvelope(ctx, s)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "yaml":
				out, err = yaml.Marshal(envelope)
			case "json", "":
				out, err = json.MarshalIndent(envelope, "", "  ")
			default:
				return fmt.Errorf("unknown --format %q (want json or yaml)", format)
			}
			if err != nil {
				return fmt.Errorf("encoding export: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func buildEnvelope(ctx context.Context, s *store.Store) (*graphEnvelope, error) {
	roots, err := s.GetRootNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading roots: %w", err)
	}

	envelope := &graphEnvelope{}
	queue := append([]*types.Node{}, roots...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		envelope.Nodes = append(envelope.Nodes, n)

		out, err := s.GetOutgoingEdges(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("loading edges for %q: %w", n.ID, err)
		}
		envelope.Edges = append(envelope.Edges, out...)

		children, err := s.GetChildren(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("loading children of %q: %w", n.ID, err)
		}
		queue = append(queue, children...)
	}
	return envelope, nil
}
