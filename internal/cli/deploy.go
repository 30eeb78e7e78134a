package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/engine"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/internal/state"
)

// applyOptions are shared by deploy and destroy.
type applyOptions struct {
	autoApprove     bool
	parallelism     int
	continueOnError bool
}

func (o *applyOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&o.autoApprove, "auto-approve", false, "Skip interactive approval")
	flags.IntVar(&o.parallelism, "parallelism", 10, "Maximum number of concurrent resource operations")
	flags.BoolVar(&o.continueOnError, "continue-on-error", false, "Keep applying independent changes after a failure")
}

func newDeployCmd() *cobra.Command {
	var (
		opts  planOptions
		apply applyOptions
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create or update the deployment",
		Long: `Plans the deployment, asks for approval and applies the changes.
The state is written after every deploy, including a failed one, so that
resources created before the failure are tracked.`,
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

				eng, plan, err := opts.plan(ctx, st)
				if err != nil {
					return err
				}
				printPlan(out, plan)
				if !plan.Summary.HasChanges() {
					renderOutputs(out, st.Outputs)
					return nil
				}

				if !apply.autoApprove {
					ok, err := confirm(cmd.InOrStdin(), out, "Do you want to perform these actions?")
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(out, "\nDeploy cancelled.")
						return nil
					}
				}

				if err := runApply(ctx, out, eng, apply, plan, st, backend); err != nil {
					return err
				}
				fmt.Fprintln(out, "\nDeploy complete!")
				if len(st.Outputs) > 0 {
					fmt.Fprintln(out, "\nOutputs:")
					renderOutputs(out, st.Outputs)
				}
				return nil
			})
		},
	}

	opts.bind(cmd)
	apply.bind(cmd)
	return cmd
}

// runApply applies plan and writes the resulting state whether or not every
// change succeeded.
func runApply(ctx context.Context, out io.Writer, eng *engine.Engine, opts applyOptions, plan *ir.Plan, st *ir.State, backend state.Backend) error {
	eng.Parallelism = opts.parallelism
	eng.ContinueOnError = opts.continueOnError

	fmt.Fprintln(out)
	newState, applyErr := eng.ApplyPlanWithCallback(ctx, plan, st, progressPrinter(out))
	if newState == nil {
		newState = st
	}
	if err := backend.Write(ctx, newState); err != nil {
		return errors.Join(applyErr, fmt.Errorf("failed to write state: %w", err))
	}
	if applyErr != nil {
		return fmt.Errorf("apply failed: %w", applyErr)
	}
	return nil
}

// progressPrinter serializes apply events from concurrent workers.
func progressPrinter(w io.Writer) engine.ApplyCallback {
	var mu sync.Mutex
	return func(event engine.ApplyEvent) {
		mu.Lock()
		defer mu.Unlock()

		_, c := actionStyle(event.Action)
		switch event.Status {
		case "started":
			c.Fprintf(w, "%s: %s...\n", event.Address, strings.ToLower(event.Action))
		case "completed":
			c.Fprintf(w, "%s: %s complete after %s\n", event.Address, strings.ToLower(event.Action), event.Duration.Round(100*time.Millisecond))
		case "failed":
			deleteColor.Fprintf(w, "%s: %s failed: %v\n", event.Address, strings.ToLower(event.Action), event.Error)
		case "skipped":
			fmt.Fprintf(w, "%s: skipped\n", event.Address)
		}
	}
}

// withLock holds the state lock while fn runs.
func withLock(ctx context.Context, backend state.Backend, fn func() error) error {
	if err := backend.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock state: %w", err)
	}
	defer func() {
		if err := backend.Unlock(ctx); err != nil {
			logging.Error("failed to unlock state", "error", err)
		}
	}()
	return fn()
}

// confirm asks a yes/no question on in. Only "yes" approves.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "\n%s\n  Only 'yes' will be accepted to approve.\n\n  Enter a value: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}
