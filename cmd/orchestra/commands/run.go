package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		abstractions map[string]string
		detach       bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Run a plan",
		Long: `Validate a plan, start an execution of it and wait for the execution to end.

The plan is read in the engine's serialized form (JSON, or the same
structure in CUE or YAML). Setup abstractions are key/value pairs available
to every node as <+setup.key>.

The store must not be driven by another process at the same time, including
orchestra serve.`,
		Example: `  # Run a plan and wait for it
  orchestra run deploy.json

  # Run with setup abstractions
  orchestra run deploy.json --abstraction env=prod --abstraction region=eu

  # Start without waiting, and let a running "orchestra serve" carry it on
  orchestra run deploy.json --detach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close runtime")
				}
			}()

			pe, err := rt.driver.StartExecution(cmd.Context(), *plan, abstractions)
			if err != nil {
				return fmt.Errorf("failed to start execution: %w", err)
			}
			log.Info().
				Str("plan_execution_id", pe.ID).
				Str("plan_id", pe.PlanID).
				Msg("Execution started")

			if detach {
				fmt.Println(pe.ID)
				return nil
			}

			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			final, err := rt.await(ctx, pe.ID)
			if err != nil {
				return err
			}
			return reportExecution(cmd, rt, final)
		},
	}

	cmd.Flags().StringToStringVarP(&abstractions, "abstraction", "a", nil, "setup abstractions (key=value)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "print the execution id and return without waiting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting after this long (0 waits until the execution ends)")

	return cmd
}

// reportExecution prints the node executions of an ended plan execution and
// returns an error unless it succeeded.
func reportExecution(cmd *cobra.Command, rt *runtime, pe *engine.PlanExecution) error {
	nodes, err := rt.store.ListNodeExecutions(cmd.Context(), pe.ID, nil)
	if err != nil {
		return fmt.Errorf("failed to list node executions: %w", err)
	}

	if jsonOutput {
		if err := printJSON(map[string]interface{}{"execution": pe, "nodes": nodes}); err != nil {
			return err
		}
	} else {
		fmt.Printf("Execution %s: %s\n\n", pe.ID, pe.Status)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTEP\tMODE\tSTATUS\tRUNTIME ID\tFAILURE")
		for _, ne := range nodes {
			failure := ""
			if ne.Response != nil && ne.Response.Failure != nil {
				failure = ne.Response.Failure.Message
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ne.SetupID, ne.StepType, ne.Mode, ne.Status, ne.RuntimeID, failure)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if pe.Status != engine.PlanStatusSucceeded {
		return fmt.Errorf("execution %s ended %s", pe.ID, pe.Status)
	}
	return nil
}
