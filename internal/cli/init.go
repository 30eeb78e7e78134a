package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/state"
)

func newInitCmd() *cobra.Command {
	var (
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter deployment configuration",
		Long: `Writes the reference deployment configuration and creates the local
state directory. Edit the configuration before deploying: the certificate
ARN and the bucket names must be your own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", path)
			}

			data, err := marshalConfig(config.Default())
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(out, "Created %s\n", path)

			stateDir := filepath.Dir(state.DefaultPath)
			if err := os.MkdirAll(stateDir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", stateDir, err)
			}

			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Edit %s to describe your deployment\n", path)
			fmt.Fprintln(out, "  2. Run 'stowrs plan' to see what will be created")
			fmt.Fprintln(out, "  3. Run 'stowrs deploy' to create it")
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigFile, "Path of the configuration to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")
	return cmd
}

func marshalConfig(cfg config.DeploymentConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}
