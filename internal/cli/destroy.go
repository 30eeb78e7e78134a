package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDestroyCmd() *cobra.Command {
	var (
		opts  stateOptions
		apply applyOptions
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every deployed resource",
		Long: `Deletes every resource recorded in the state, dependents first. The DICOM
bucket is emptied and removed along with everything else.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			backend, err := opts.backend(ctx)
			if err != nil {
				return err
			}
			return withLock(ctx, backend, func() error {
				st, err := backend.Read(ctx)
				if err != nil {
					return fmt.Errorf("failed to read state: %w", err)
				}
				if len(st.Resources) == 0 {
					fmt.Fprintln(out, "No resources recorded. Nothing to destroy.")
					return nil
				}

				eng, err := newEngine(ctx, nil, st)
				if err != nil {
					return err
				}
				plan, err := eng.CreateDestroyPlan(ctx, st)
				if err != nil {
					return fmt.Errorf("failed to plan destroy: %w", err)
				}
				printPlan(out, plan)

				if !apply.autoApprove {
					ok, err := confirm(cmd.InOrStdin(), out, "Do you really want to destroy all resources?")
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(out, "\nDestroy cancelled.")
						return nil
					}
				}

				if err := runApply(ctx, out, eng, apply, plan, st, backend); err != nil {
					return err
				}
				fmt.Fprintln(out, "\nDestroy complete!")
				return nil
			})
		},
	}

	opts.bind(cmd)
	apply.bind(cmd)
	return cmd
}
