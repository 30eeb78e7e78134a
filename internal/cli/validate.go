package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	opts := &graphOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment configuration",
		Long: `Loads the deployment configuration, checks every required key and
reports the certificate topology it selects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			topology, err := cfg.Topology()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Application: %s\n", cfg.AppName)
			fmt.Fprintf(out, "VPC CIDR:    %s\n", cfg.VpcCidr)
			fmt.Fprintf(out, "Topology:    %s\n", topology)
			fmt.Fprintln(out, "\nConfiguration is valid.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigFile, "Deployment configuration (.pkl, .yaml, .yml or .json)")
	return cmd
}
