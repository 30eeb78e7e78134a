package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/assembly"
)

func newSynthCmd() *cobra.Command {
	var (
		opts   graphOptions
		outDir string
		format string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize the resource graph",
		Long: `Synthesizes the resource graph of the deployment and writes it to the
output directory as <app>.graph.json or <app>.graph.yaml. The graph can be
planned and deployed later with --assembly.

The target account and region are read from STOWRS_ACCOUNT and STOWRS_REGION
(or CDK_DEFAULT_ACCOUNT and CDK_DEFAULT_REGION). Without them the graph is
environment-agnostic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := assembly.ParseFormat(format)
			if err != nil {
				return err
			}
			graph, err := opts.loadGraph(cmd.Context())
			if err != nil {
				return err
			}

			path, err := assembly.NewWriter(afero.NewOsFs(), outDir).Write(graph, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synthesized %d resources (%s) to %s\n",
				len(graph.Resources), graph.Metadata.Topology, path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigFile, "Deployment configuration (.pkl, .yaml, .yml or .json)")
	cmd.Flags().StringVarP(&outDir, "output", "o", assembly.DefaultDir, "Output directory")
	cmd.Flags().StringVar(&format, "format", string(assembly.FormatJSON), "Output format: json or yaml")
	return cmd
}
