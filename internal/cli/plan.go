package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/engine"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// planOptions are shared by plan and deploy.
type planOptions struct {
	graphOptions
	stateOptions
	targets []string
}

func (o *planOptions) bind(cmd *cobra.Command) {
	o.graphOptions.bind(cmd)
	o.stateOptions.bind(cmd)
	cmd.Flags().StringSliceVar(&o.targets, "target", nil, "Limit planning to these resource addresses and their dependencies")
}

// plan synthesizes the graph, configures its providers and diffs it against
// the recorded state.
func (o *planOptions) plan(ctx context.Context, st *ir.State) (*engine.Engine, *ir.Plan, error) {
	graph, err := o.loadGraph(ctx)
	if err != nil {
		return nil, nil, err
	}
	eng, err := newEngine(ctx, graph, st)
	if err != nil {
		return nil, nil, err
	}
	plan, err := eng.CreatePlanWithTargets(ctx, graph, st, o.targets)
	if err != nil {
		return nil, nil, fmt.Errorf("plan generation failed: %w", err)
	}
	return eng, plan, nil
}

func newPlanCmd() *cobra.Command {
	var (
		opts    planOptions
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a deploy would make",
		Long: `Synthesizes the resource graph and compares it with the recorded state.

The plan shows:
  • Resources to be created
  • Resources to be updated in place (with diff)
  • Resources to be replaced or deleted`,
		Args: cobra.NoArgs,
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

			_, plan, err := opts.plan(ctx, st)
			if err != nil {
				return err
			}
			printPlan(out, plan)

			if outFile != "" {
				if err := writePlan(outFile, plan); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nPlan written to %s\n", outFile)
			}
			return nil
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the plan as JSON to this file")
	return cmd
}

func printPlan(w io.Writer, plan *ir.Plan) {
	if !plan.Summary.HasChanges() {
		fmt.Fprintln(w, "No changes. Infrastructure is up-to-date.")
		return
	}
	fmt.Fprintln(w, "stowrs will perform the following actions:")
	renderPlanChanges(w, plan)
	renderPlanSummary(w, plan)
}

func writePlan(path string, plan *ir.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}
