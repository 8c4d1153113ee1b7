package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/engine"
)

func newInterruptCommand() *cobra.Command {
	var (
		node    string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "interrupt <execution-id> <type>",
		Short: "Interrupt an execution",
		Long: `Register an interrupt against an execution and apply it.

Types:
  ABORT         abort the execution, or one node with --node
  PAUSE_ALL     stop new nodes from starting
  RESUME_ALL    resume a paused execution
  RETRY         retry a node waiting for intervention (--node)
  IGNORE        end a node waiting for intervention as IGNORE_FAILED (--node)
  MARK_FAILED   end a node waiting for intervention as FAILED (--node)
  MARK_SUCCESS  end a node waiting for intervention as SUCCEEDED (--node)`,
		Example: `  # Pause and resume an execution
  orchestra interrupt 3f6c1c1e-6a0e-4f54-9b55-1c3b1c1a6c9e pause_all
  orchestra interrupt 3f6c1c1e-6a0e-4f54-9b55-1c3b1c1a6c9e resume_all --wait

  # Retry a failed node waiting for intervention
  orchestra interrupt 3f6c1c1e-6a0e-4f54-9b55-1c3b1c1a6c9e retry --node 9d2a...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := engine.InterruptType(strings.ToUpper(args[1]))
			if err := typ.Validate(); err != nil {
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

			// Carry on whatever the interrupt puts back in motion in this
			// process.
			if err := rt.driver.Reconcile(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to reconcile %s: %w", args[0], err)
			}

			in, err := rt.driver.RegisterInterrupt(cmd.Context(), &engine.Interrupt{
				Type:            typ,
				PlanExecutionID: args[0],
				TargetRuntimeID: node,
			})
			if err != nil {
				return fmt.Errorf("failed to register interrupt: %w", err)
			}

			if jsonOutput {
				if err := printJSON(in); err != nil {
					return err
				}
			} else {
				fmt.Printf("Interrupt %s (%s): %s\n", in.ID, in.Type, in.State)
			}
			if in.State == engine.InterruptProcessedUnsuccessfully {
				return fmt.Errorf("interrupt %s was not applied", in.ID)
			}

			if !wait {
				return nil
			}
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			pe, err := rt.await(ctx, args[0])
			if err != nil {
				return err
			}
			return reportExecution(cmd, rt, pe)
		},
	}

	cmd.Flags().StringVarP(&node, "node", "n", "", "runtime id of the targeted node execution")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the execution to end")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting after this long (0 waits until the execution ends)")

	return cmd
}
