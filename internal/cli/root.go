// Package cli implements the stowrs command line.
package cli

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
)

type globalOptions struct {
	logLevel  string
	logFormat string
	noColor   bool
}

// NewRootCmd builds the stowrs command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "stowrs",
		Short: "Synthesize and deploy DICOM STOW-RS ingestion stacks",
		Long: `stowrs turns a deployment configuration into the AWS resource graph of a
DICOM STOW-RS ingestion service and deploys it:

  • a VPC carved into public, private and isolated subnets
  • a network load balancer terminating or passing through TLS
  • a Fargate service running the proxy and application containers
  • an encrypted S3 bucket receiving the DICOM instances`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitWithWriter(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(
		newInitCmd(),
		newValidateCmd(),
		newSynthCmd(),
		newGraphCmd(),
		newPlanCmd(),
		newDeployCmd(),
		newDestroyCmd(),
		newOutputCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command. Cancelling ctx aborts the running command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
