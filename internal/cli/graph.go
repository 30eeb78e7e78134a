package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/engine"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

func newGraphCmd() *cobra.Command {
	opts := &graphOptions{}

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Output the dependency graph in DOT format",
		Long: `Prints the resource dependency graph in Graphviz DOT format. Pipe the
output to 'dot' to render it:

  stowrs graph | dot -Tpng > graph.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := opts.loadGraph(cmd.Context())
			if err != nil {
				return err
			}
			return writeDOT(cmd.OutOrStdout(), graph)
		},
	}

	opts.bind(cmd)
	return cmd
}

// writeDOT prints nodes in creation order and one edge per dependency,
// pointing from a resource to what it depends on.
func writeDOT(w io.Writer, graph *ir.Config) error {
	dag, err := engine.BuildDAG(graph.Resources)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}

	fmt.Fprintln(w, "digraph {")
	fmt.Fprintln(w, "  rankdir = \"BT\";")
	fmt.Fprintln(w, "  node [shape = box];")
	order := dag.CreationOrder()
	for _, addr := range order {
		fmt.Fprintf(w, "  %q;\n", addr)
	}
	for _, addr := range order {
		for _, dep := range dag.Dependencies(addr) {
			fmt.Fprintf(w, "  %q -> %q;\n", addr, dep)
		}
	}
	fmt.Fprintln(w, "}")
	return nil
}
