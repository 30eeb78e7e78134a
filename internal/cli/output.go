package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newOutputCmd() *cobra.Command {
	var (
		opts   stateOptions
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "output [name]",
		Short: "Show output values from state",
		Long: `Reads the outputs recorded by the last deploy: the DICOM bucket name,
the load balancer DNS name and, when certificates come from S3, the
certificate bucket name.

Without a name every output is printed. With a name only its value is.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			backend, err := opts.backend(ctx)
			if err != nil {
				return err
			}
			st, err := backend.Read(ctx)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}

			if len(args) > 0 {
				val, ok := st.Outputs[args[0]]
				if !ok {
					return fmt.Errorf("output %q not found", args[0])
				}
				if asJSON {
					data, err := json.Marshal(val)
					if err != nil {
						return fmt.Errorf("failed to encode output: %w", err)
					}
					fmt.Fprintln(out, string(data))
					return nil
				}
				fmt.Fprintln(out, val)
				return nil
			}

			if len(st.Outputs) == 0 {
				fmt.Fprintln(out, "No outputs recorded.")
				return nil
			}
			if asJSON {
				data, err := json.MarshalIndent(st.Outputs, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode outputs: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			renderOutputs(out, st.Outputs)
			return nil
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print outputs as JSON")
	return cmd
}
